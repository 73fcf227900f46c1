// Package bridge carries the popup-to-opener message channel over a
// WebSocket when the two windows are separate processes, as they are in
// the probe. Only origin-checked, typed relay messages cross it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/getindexednow/authflow/internal/relay"
	"github.com/google/uuid"
)

// Listener is the opener side: it accepts popup connections and hands
// delivered tokens to the callback. Unknown message types are dropped.
type Listener struct {
	origin  string
	onToken func(token string)
	log     *slog.Logger
}

func NewListener(origin string, onToken func(token string), log *slog.Logger) *Listener {
	return &Listener{origin: origin, onToken: onToken, log: log}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && origin != l.origin {
		l.log.Warn("bridge: rejecting foreign origin", "origin", origin)
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // origin enforced above
	})
	if err != nil {
		l.log.Error("bridge: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	id := uuid.New().String()
	l.log.Debug("bridge: popup connected", "conn", id)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			l.log.Debug("bridge: popup disconnected", "conn", id, "error", err)
			return
		}
		var msg relay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Warn("bridge: dropping unparseable message", "conn", id, "error", err)
			continue
		}
		if msg.Type != relay.MessageGoogleAuthSuccess {
			l.log.Debug("bridge: dropping message", "conn", id, "type", msg.Type)
			continue
		}
		l.onToken(msg.Token)
	}
}

// Poster is the popup side of the bridge. It implements relay.Poster, so
// the relay cannot tell it apart from an in-process opener.
type Poster struct {
	conn   *websocket.Conn
	origin string
	log    *slog.Logger
}

// Dial connects to the opener's bridge endpoint, presenting origin.
func Dial(ctx context.Context, wsURL, origin string, log *slog.Logger) (*Poster, error) {
	header := http.Header{}
	header.Set("Origin", origin)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", wsURL, err)
	}
	return &Poster{conn: conn, origin: origin, log: log}, nil
}

// PostMessage delivers one typed message. Mirroring the browser contract,
// a targetOrigin that does not match the connection's origin means the
// message is not sent.
func (p *Poster) PostMessage(msg relay.Message, targetOrigin string) error {
	if targetOrigin != p.origin {
		return fmt.Errorf("bridge: refusing post to origin %q", targetOrigin)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bridge: marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}

func (p *Poster) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "")
}
