// Package onetap drives the low-friction one-click sign-in prompt offered
// alongside the challenge-based form.
package onetap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/getindexednow/authflow/internal/api"
	"github.com/getindexednow/authflow/internal/notify"
	"github.com/getindexednow/authflow/internal/relay"
	"github.com/getindexednow/authflow/internal/script"
)

// PromptClient adapts the third-party identity object (window.google in
// the real page).
type PromptClient interface {
	Ready() bool
	Initialize(clientID string, callback func(credential string))
	Prompt()
	Cancel()
}

// Verifier exchanges a one-tap credential for a session token.
type Verifier interface {
	VerifyOneTap(ctx context.Context, credential string) (string, error)
}

// Config controls whether and how the prompt is offered.
type Config struct {
	ClientID  string
	Disabled  bool // kill switch
	ReadyWait time.Duration
	PollEvery time.Duration
}

type Initializer struct {
	cfg      Config
	loader   *script.Loader
	client   PromptClient
	verifier Verifier
	session  relay.Session
	storage  relay.Storage
	nav      relay.Navigator
	notices  *notify.Bus
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, loader *script.Loader, client PromptClient, verifier Verifier,
	session relay.Session, storage relay.Storage, nav relay.Navigator,
	notices *notify.Bus, log *slog.Logger,
) *Initializer {
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = 10 * time.Second
	}
	if cfg.PollEvery == 0 {
		cfg.PollEvery = 20 * time.Millisecond
	}
	return &Initializer{
		cfg:      cfg,
		loader:   loader,
		client:   client,
		verifier: verifier,
		session:  session,
		storage:  storage,
		nav:      nav,
		notices:  notices,
		log:      log,
	}
}

// Start offers the prompt unless the kill switch is on or no client id is
// configured; both are silent skips, not errors. The kill switch also
// dismisses any prompt already on screen.
func (i *Initializer) Start(ctx context.Context) {
	if i.cfg.Disabled {
		i.client.Cancel()
		i.log.Debug("onetap: disabled by kill switch")
		return
	}
	if i.cfg.ClientID == "" {
		i.log.Debug("onetap: no client id configured")
		return
	}

	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return
	}
	ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	i.wg.Add(1)
	go i.run(ctx)
}

func (i *Initializer) run(ctx context.Context) {
	defer i.wg.Done()

	i.loader.EnsureLoaded()
	if err := i.awaitReady(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			i.log.Warn("onetap: identity script never became ready", "error", err)
		}
		return
	}
	// One path for both the just-loaded and already-present cases.
	i.initAndPrompt(ctx)
}

// awaitReady polls for the identity object instead of sleeping a fixed
// startup delay; the host page's own mount can still be in progress when
// the script tag appears.
func (i *Initializer) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(i.cfg.ReadyWait)
	for {
		if i.loader.Loaded() && i.client.Ready() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("ready wait expired")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.cfg.PollEvery):
		}
	}
}

func (i *Initializer) initAndPrompt(ctx context.Context) {
	i.client.Initialize(i.cfg.ClientID, func(credential string) {
		i.handleCredential(ctx, credential)
	})
	i.client.Prompt()
	i.log.Debug("onetap: prompt triggered", "client_id", i.cfg.ClientID)
}

func (i *Initializer) handleCredential(ctx context.Context, credential string) {
	token, err := i.verifier.VerifyOneTap(ctx, credential)
	if err != nil {
		i.log.Warn("onetap: verification failed", "error", err)
		i.notices.Error(displayMessage(err))
		return
	}
	if err := i.session.Apply(ctx, token); err != nil {
		i.log.Error("onetap: apply session", "error", err)
		i.notices.Error("sign-in failed, please try again")
		return
	}
	i.nav.Redirect(relay.PostLoginDestination(i.storage, time.Now(), i.log))
}

// Disable dismisses a visible prompt and stops the flow; used when the
// kill switch flips at runtime.
func (i *Initializer) Disable() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	i.client.Cancel()
	i.log.Info("onetap: disabled")
}

// Stop cancels the flow and waits for it to drain. Called on unmount.
func (i *Initializer) Stop() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
}

func displayMessage(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "sign-in failed, please try again"
}
