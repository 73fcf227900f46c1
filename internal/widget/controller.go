// Package widget renders the third-party challenge widget into the active
// tab's container and keeps at most one live widget across both containers.
package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getindexednow/authflow/internal/dom"
	"github.com/getindexednow/authflow/internal/script"
	"github.com/robbyt/go-fsm"
)

// Tab identifies which auth form tab is active.
type Tab int

const (
	TabSignIn Tab = iota
	TabSignUp
)

// ContainerID returns the DOM slot the widget renders into for this tab.
func (t Tab) ContainerID() string {
	if t == TabSignUp {
		return "container-signup"
	}
	return "container-signin"
}

func (t Tab) String() string {
	if t == TabSignUp {
		return "signup"
	}
	return "signin"
}

// ContainerIDs lists both known widget slots.
var ContainerIDs = []string{TabSignIn.ContainerID(), TabSignUp.ContainerID()}

// Client adapts the third-party challenge object (window.grecaptcha in the
// real page). Ready reports whether the script object is fully initialized;
// the script tag being loaded is not enough.
type Client interface {
	Ready() bool
	Render(containerID, siteKey string) (handle string, err error)
	Reset(handle string)
	Remove(handle string)
	Response(handle string) string
}

// Controller lifecycle states. Callers use these to distinguish "still
// loading" from "failed to load" from "loaded but not yet completed".
const (
	StateWaitingScript = "waiting_script"
	StateRendering     = "rendering"
	StateReady         = "ready"
	StateRenderFailed  = "render_failed"
	StateLoadFailed    = "load_failed"
	StateDestroyed     = "destroyed"
)

var transitions = map[string][]string{
	StateWaitingScript: {StateRendering, StateLoadFailed, StateRenderFailed, StateDestroyed},
	StateRendering:     {StateReady, StateRenderFailed, StateWaitingScript, StateDestroyed},
	StateReady:         {StateWaitingScript, StateRendering, StateDestroyed},
	StateRenderFailed:  {StateWaitingScript, StateRendering, StateDestroyed},
	StateLoadFailed:    {StateWaitingScript, StateRendering, StateDestroyed},
	StateDestroyed:     {},
}

// Config tunes the controller's waits and retries. Zero values get defaults.
type Config struct {
	SiteKey        string
	PollInterval   time.Duration // condition-poll cadence
	ReadyWait      time.Duration // max wait for script + container readiness
	RenderAttempts int
	RetryStep      time.Duration // linear backoff unit between render attempts
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.ReadyWait == 0 {
		c.ReadyWait = 10 * time.Second
	}
	if c.RenderAttempts == 0 {
		c.RenderAttempts = 3
	}
	if c.RetryStep == 0 {
		c.RetryStep = 200 * time.Millisecond
	}
}

// Controller serializes renders so that after any burst of tab switches the
// widget lives only in the last selected container.
type Controller struct {
	doc    dom.Document
	client Client
	loader *script.Loader
	cfg    Config
	log    *slog.Logger
	fsm    *fsm.Machine

	// renderMu serializes the await/render/commit sequence so a stale
	// render from a prior switch is fully torn down before a newer one
	// touches the containers.
	renderMu sync.Mutex

	mu         sync.Mutex
	gen        int // bumped on every switch; stale renders are suppressed
	handle     string
	container  string
	token      string
	pollCancel context.CancelFunc
	destroyed  bool

	wg sync.WaitGroup
}

func NewController(doc dom.Document, client Client, loader *script.Loader, cfg Config, log *slog.Logger) (*Controller, error) {
	cfg.defaults()
	machine, err := fsm.New(log.Handler(), StateWaitingScript, transitions)
	if err != nil {
		return nil, err
	}
	return &Controller{doc: doc, client: client, loader: loader, cfg: cfg, log: log, fsm: machine}, nil
}

// ActivateTab clears the inactive container, tears down any live widget,
// and renders into the selected tab's container once the script and
// container are ready. A switch arriving before a prior render commits
// wins: the older render is discarded.
func (c *Controller) ActivateTab(ctx context.Context, tab Tab) {
	target := tab.ContainerID()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.removeHandleLocked()
	c.mu.Unlock()

	// A prior failed render can leave artifacts in either slot.
	for _, id := range ContainerIDs {
		c.clear(id)
	}

	c.setState(StateWaitingScript)
	c.wg.Add(1)
	go c.renderInto(ctx, gen, target)
	c.log.Debug("tab activated", "tab", tab.String(), "container", target)
}

func (c *Controller) renderInto(ctx context.Context, gen int, target string) {
	defer c.wg.Done()

	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	if !c.awaitReady(ctx, gen, target) {
		return
	}
	if c.stale(gen) {
		return
	}
	c.setState(StateRendering)

	for attempt := 1; attempt <= c.cfg.RenderAttempts; attempt++ {
		if ctx.Err() != nil || c.stale(gen) {
			return
		}
		handle, err := c.client.Render(target, c.cfg.SiteKey)
		if err == nil {
			c.commit(gen, handle, target)
			return
		}
		c.log.Warn("widget render attempt failed", "container", target, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * c.cfg.RetryStep):
		}
	}
	if !c.stale(gen) {
		c.setState(StateRenderFailed)
		c.log.Error("widget render failed", "container", target, "attempts", c.cfg.RenderAttempts)
	}
}

// awaitReady polls until the challenge script is usable and the target
// container exists in the document, instead of sleeping a blind fixed
// delay after the tab animation.
func (c *Controller) awaitReady(ctx context.Context, gen int, target string) bool {
	deadline := time.Now().Add(c.cfg.ReadyWait)
	for {
		if ctx.Err() != nil || c.stale(gen) {
			return false
		}
		_, present := c.doc.Container(target)
		if c.loader.Loaded() && c.client.Ready() && present {
			return true
		}
		if time.Now().After(deadline) {
			if c.stale(gen) {
				return false
			}
			if !c.loader.Loaded() {
				c.setState(StateLoadFailed)
				c.log.Error("challenge script never became ready", "state", c.loader.State())
			} else {
				c.setState(StateRenderFailed)
				c.log.Error("widget container never appeared", "container", target)
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Controller) commit(gen int, handle, target string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		// Lost the race to a newer switch.
		c.client.Remove(handle)
		return
	}
	c.handle = handle
	c.container = target
	c.mu.Unlock()
	c.setState(StateReady)
	c.log.Debug("widget rendered", "container", target, "handle", handle)
}

// StartPoll observes challenge completion at a fixed interval; the widget
// exposes no completion event in this integration. Idempotent; cancelled
// via ctx or Destroy.
func (c *Controller) StartPoll(ctx context.Context, interval time.Duration) {
	c.mu.Lock()
	if c.pollCancel != nil || c.destroyed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				h := c.handle
				c.mu.Unlock()
				if h == "" {
					continue
				}
				if r := c.client.Response(h); r != "" {
					c.mu.Lock()
					if c.token != r {
						c.token = r
						c.log.Debug("challenge completed")
					}
					c.mu.Unlock()
				}
			}
		}
	}()
}

// Response returns the current challenge response token, or "" when no
// widget is rendered or the user has not completed it. Never panics.
func (c *Controller) Response() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != "" {
		if r := c.client.Response(c.handle); r != "" {
			return r
		}
	}
	return c.token
}

// Reset clears the completed-response state without destroying the widget,
// forcing re-completion before the next submit.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != "" {
		c.client.Reset(c.handle)
	}
	c.token = ""
}

// State returns the controller lifecycle state.
func (c *Controller) State() string { return c.fsm.GetState() }

// Destroy tears down the live widget, cancels the completion poll, and
// waits for in-flight renders to drain. Called on unmount.
func (c *Controller) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.gen++
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.removeHandleLocked()
	c.token = ""
	c.mu.Unlock()

	c.wg.Wait()
	c.setState(StateDestroyed)
}

func (c *Controller) removeHandleLocked() {
	if c.handle != "" {
		c.client.Remove(c.handle)
		c.handle = ""
		c.container = ""
		c.token = ""
	}
}

func (c *Controller) clear(id string) {
	if ct, ok := c.doc.Container(id); ok {
		ct.Clear()
	}
}

func (c *Controller) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

func (c *Controller) setState(state string) {
	if !c.fsm.TransitionBool(state) {
		c.log.Debug("widget: transition refused", "from", c.fsm.GetState(), "to", state)
	}
}
