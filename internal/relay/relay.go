// Package relay completes an OAuth-style handshake regardless of whether
// the flow ran in a popup window or a full-page redirect. When the page is
// itself a popup it forwards the delivered token to its opener and closes;
// otherwise it applies the token locally and redirects.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"time"
)

// MessageGoogleAuthSuccess is the only message type the opener listens for.
const MessageGoogleAuthSuccess = "google-auth-success"

// Message is the typed cross-window payload posted from popup to opener.
type Message struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Poster delivers a message to another window, restricted to targetOrigin.
type Poster interface {
	PostMessage(msg Message, targetOrigin string) error
}

// Window is the popup-relevant surface of the hosting window.
type Window interface {
	Origin() string
	// Opener returns the opener window when this page is a popup opened
	// from the same app, and false otherwise.
	Opener() (Poster, bool)
	Close()
}

// Navigator reads the navigation query and performs redirects.
type Navigator interface {
	Query(key string) string
	Redirect(location string)
}

// Session is the external session collaborator; this package hands tokens
// over and never stores them itself.
type Session interface {
	Apply(ctx context.Context, token string) error
}

// Storage is the web-storage surface the relay reads.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Web-storage keys owned by the auth page.
const (
	KeyToken       = "token"
	KeyPendingPlan = "selectedPlanAfterLogin"
)

const (
	// DefaultDestination is the post-login landing location.
	DefaultDestination = "/dashboard"

	// pendingPlanTTL is how long a plan picked before login stays valid.
	pendingPlanTTL = 30 * time.Minute
)

// pendingPlan is the stored shape of a plan selected before login.
type pendingPlan struct {
	PlanID    string `json:"planId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

type Relay struct {
	win     Window
	nav     Navigator
	session Session
	storage Storage
	log     *slog.Logger

	// settleDelay gives the session layer a moment to propagate the
	// applied token before navigating away.
	settleDelay time.Duration
}

func New(win Window, nav Navigator, session Session, storage Storage, settleDelay time.Duration, log *slog.Logger) *Relay {
	return &Relay{
		win:         win,
		nav:         nav,
		session:     session,
		storage:     storage,
		settleDelay: settleDelay,
		log:         log,
	}
}

// HandleMount inspects the navigation query for a delivered token and
// completes the handshake. Returns true when a token was present and
// handled; the caller must not continue mounting the page in that case.
func (r *Relay) HandleMount(ctx context.Context) bool {
	token := r.nav.Query("token")
	if token == "" {
		return false
	}

	if opener, ok := r.win.Opener(); ok {
		// Popup case: hand the token back and get out of the way. A
		// closed or foreign opener makes delivery unobservable; that is
		// accepted.
		msg := Message{Type: MessageGoogleAuthSuccess, Token: token}
		if err := opener.PostMessage(msg, r.win.Origin()); err != nil {
			r.log.Debug("relay: post to opener failed", "error", err)
		}
		r.win.Close()
		return true
	}

	// Full-page redirect case.
	if err := r.session.Apply(ctx, token); err != nil {
		r.log.Error("relay: apply session", "error", err)
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(r.settleDelay):
	}
	r.nav.Redirect(PostLoginDestination(r.storage, time.Now(), r.log))
	return true
}

// PostLoginDestination picks where to land after login: the plan checkout
// page when a plan was selected less than 30 minutes before login, the
// dashboard otherwise. The stored selection is consumed either way, and a
// corrupt one is discarded silently.
func PostLoginDestination(storage Storage, now time.Time, log *slog.Logger) string {
	raw, ok := storage.Get(KeyPendingPlan)
	if !ok {
		return DefaultDestination
	}
	storage.Delete(KeyPendingPlan)

	var p pendingPlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.PlanID == "" {
		log.Debug("relay: discarding malformed pending plan", "raw", raw)
		return DefaultDestination
	}
	if now.Sub(time.UnixMilli(p.Timestamp)) > pendingPlanTTL {
		log.Debug("relay: pending plan expired", "plan", p.PlanID)
		return DefaultDestination
	}
	return "/dashboard/billing?plan=" + url.QueryEscape(p.PlanID)
}
