// Package page is the auth page engine: it owns mount order, tab state,
// and the submit paths, and wires the widget, relay, and one-tap flows
// together the way the hosting page does.
package page

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/getindexednow/authflow/internal/api"
	"github.com/getindexednow/authflow/internal/notify"
	"github.com/getindexednow/authflow/internal/onetap"
	"github.com/getindexednow/authflow/internal/relay"
	"github.com/getindexednow/authflow/internal/script"
	"github.com/getindexednow/authflow/internal/widget"
)

// ErrChallengeIncomplete is returned by the submit paths when the user has
// not completed the challenge; surfaced as a low-severity notice, not a
// backend error.
var ErrChallengeIncomplete = errors.New("challenge not completed")

// AuthAPI is the backend surface the engine submits to.
type AuthAPI interface {
	Register(ctx context.Context, req api.RegisterRequest) error
	Login(ctx context.Context, email, password, challengeToken string) (api.LoginResult, error)
}

// Deps carries the engine's collaborators.
type Deps struct {
	Loader  *script.Loader
	Widget  *widget.Controller
	Relay   *relay.Relay
	OneTap  *onetap.Initializer
	API     AuthAPI
	Session relay.Session
	Storage relay.Storage
	Nav     relay.Navigator
	Notices *notify.Bus
	Log     *slog.Logger

	// FallbackAfter is how long to wait for the challenge script before
	// appending the fallback tag.
	FallbackAfter time.Duration
	// CompletionPoll is the challenge completion poll interval.
	CompletionPoll time.Duration
}

type Engine struct {
	d Deps

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	mounted bool
}

func New(d Deps) *Engine {
	if d.FallbackAfter == 0 {
		d.FallbackAfter = 8 * time.Second
	}
	if d.CompletionPoll == 0 {
		d.CompletionPoll = 500 * time.Millisecond
	}
	return &Engine{d: d}
}

// Mount runs the page's startup sequence. Returns false when the page
// terminated immediately (existing session, or the popup/redirect relay
// consumed the navigation); the caller should not drive the engine
// further in that case.
func (e *Engine) Mount(ctx context.Context) bool {
	if token, ok := e.d.Storage.Get(relay.KeyToken); ok && token != "" {
		e.d.Log.Debug("page: session already present, skipping auth page")
		e.d.Nav.Redirect(relay.DefaultDestination)
		return false
	}
	if e.d.Relay.HandleMount(ctx) {
		return false
	}

	e.mu.Lock()
	if e.mounted {
		e.mu.Unlock()
		return true
	}
	e.mounted = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	ctx = e.ctx
	e.mu.Unlock()

	e.d.Loader.EnsureLoaded()
	e.d.Loader.WatchFallback(ctx, e.d.FallbackAfter)
	e.d.Widget.ActivateTab(ctx, widget.TabSignIn)
	e.d.Widget.StartPoll(ctx, e.d.CompletionPoll)
	e.d.OneTap.Start(ctx)
	return true
}

// SelectTab switches the active form tab and moves the widget.
func (e *Engine) SelectTab(tab widget.Tab) {
	e.mu.Lock()
	ctx := e.ctx
	mounted := e.mounted
	e.mu.Unlock()
	if !mounted {
		return
	}
	e.d.Widget.ActivateTab(ctx, tab)
}

// ChallengeNotice maps the widget state to the inline text shown next to
// the challenge container, empty when nothing needs saying.
func (e *Engine) ChallengeNotice() string {
	switch e.d.Widget.State() {
	case widget.StateWaitingScript, widget.StateRendering:
		return "loading verification..."
	case widget.StateLoadFailed, widget.StateRenderFailed:
		return "verification failed to load, please refresh"
	default:
		return ""
	}
}

// SubmitLogin submits the sign-in form. The challenge is reset after every
// attempt; tokens are single-use.
func (e *Engine) SubmitLogin(ctx context.Context, email, password string) error {
	token := e.d.Widget.Response()
	if token == "" {
		e.d.Notices.Info("please complete verification")
		return ErrChallengeIncomplete
	}
	defer e.d.Widget.Reset()

	res, err := e.d.API.Login(ctx, email, password, token)
	if err != nil {
		e.d.Notices.Error(displayMessage(err))
		return err
	}
	if res.Requires2FA {
		e.d.Log.Info("page: login requires 2fa", "user", res.UserID)
		e.d.Nav.Redirect("/verify-2fa?userId=" + url.QueryEscape(res.UserID))
		return nil
	}
	if err := e.d.Session.Apply(ctx, res.Token); err != nil {
		e.d.Notices.Error("sign-in failed, please try again")
		return err
	}
	e.d.Nav.Redirect(relay.PostLoginDestination(e.d.Storage, time.Now(), e.d.Log))
	return nil
}

// SubmitRegister submits the sign-up form. On success the backend sends a
// verification email; the page stays put and tells the user.
func (e *Engine) SubmitRegister(ctx context.Context, req api.RegisterRequest) error {
	token := e.d.Widget.Response()
	if token == "" {
		e.d.Notices.Info("please complete verification")
		return ErrChallengeIncomplete
	}
	defer e.d.Widget.Reset()

	req.ChallengeToken = token
	if err := e.d.API.Register(ctx, req); err != nil {
		e.d.Notices.Error(displayMessage(err))
		return err
	}
	e.d.Notices.Info("account created, check your email to verify")
	return nil
}

// SetOneTapDisabled reacts to the kill switch flipping at runtime.
func (e *Engine) SetOneTapDisabled(disabled bool) {
	if disabled {
		e.d.OneTap.Disable()
	}
}

// Unmount cancels every timer and poller and tears the widget down. Late
// async results are suppressed by the cancelled context.
func (e *Engine) Unmount() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mounted = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.d.OneTap.Stop()
	e.d.Widget.Destroy()
	e.d.Loader.Wait()
}

func displayMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "request failed, please try again"
}
