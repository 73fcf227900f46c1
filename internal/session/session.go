// Package session is the local stand-in for the app's session context: it
// applies bearer tokens to web storage. Refresh and expiry live elsewhere.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getindexednow/authflow/internal/relay"
)

type Session struct {
	storage relay.Storage
	log     *slog.Logger
}

func New(storage relay.Storage, log *slog.Logger) *Session {
	return &Session{storage: storage, log: log}
}

// Apply stores the bearer token, making the user logged in.
func (s *Session) Apply(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("session: refusing to apply empty token")
	}
	s.storage.Set(relay.KeyToken, token)
	s.log.Debug("session applied")
	return nil
}

// Token returns the current bearer token, if any.
func (s *Session) Token() (string, bool) {
	return s.storage.Get(relay.KeyToken)
}

// Clear logs the user out.
func (s *Session) Clear() {
	s.storage.Delete(relay.KeyToken)
}
