// Package script guarantees an external script is requested at most once
// per page lifetime and tracks its load state.
package script

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getindexednow/authflow/internal/dom"
	"github.com/robbyt/go-fsm"
)

// Load states for a tracked script tag.
const (
	StateNotLoaded = "not_loaded"
	StateLoading   = "loading"
	StateLoaded    = "loaded"
	StateFailed    = "failed"
)

var transitions = map[string][]string{
	StateNotLoaded: {StateLoading, StateLoaded},
	StateLoading:   {StateLoaded, StateFailed},
	// A slow tag can still fire onload after another tag for the same
	// script already failed; the script is usable either way.
	StateFailed: {StateLoading, StateLoaded},
	StateLoaded: {},
}

// Loader tracks a single external script identified by a fixed tag id.
type Loader struct {
	doc dom.Document
	url string
	id  string
	log *slog.Logger
	fsm *fsm.Machine

	mu       sync.Mutex
	fallback bool
	wg       sync.WaitGroup
}

func NewLoader(doc dom.Document, url, id string, log *slog.Logger) (*Loader, error) {
	machine, err := fsm.New(log.Handler(), StateNotLoaded, transitions)
	if err != nil {
		return nil, err
	}
	return &Loader{doc: doc, url: url, id: id, log: log, fsm: machine}, nil
}

// EnsureLoaded requests the script if no tag with its id exists yet.
// Calling it again is a no-op; a tag already present from a prior mount is
// treated as loaded.
func (l *Loader) EnsureLoaded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.doc.HasScript(l.id) {
		if l.fsm.GetState() == StateNotLoaded {
			if err := l.fsm.SetState(StateLoaded); err != nil {
				l.log.Error("script: set state", "id", l.id, "error", err)
			}
		}
		return
	}
	l.transition(StateLoading)
	l.append(l.id)
}

func (l *Loader) append(tagID string) {
	l.doc.AppendScript(dom.Script{
		ID:    tagID,
		URL:   l.url,
		Async: true,
		OnLoad: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.transition(StateLoaded)
			l.log.Debug("script loaded", "id", tagID)
		},
		OnError: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.transition(StateFailed)
			l.log.Warn("script load failed", "id", tagID, "url", l.url)
		},
	})
}

// State returns the current load state.
func (l *Loader) State() string { return l.fsm.GetState() }

// Loaded reports whether the script finished loading.
func (l *Loader) Loaded() bool { return l.fsm.GetState() == StateLoaded }

// Failed reports whether the most recent load attempt failed.
func (l *Loader) Failed() bool { return l.fsm.GetState() == StateFailed }

// StateChan emits the load state on every change until ctx is cancelled.
func (l *Loader) StateChan(ctx context.Context) <-chan string {
	return l.fsm.GetStateChan(ctx)
}

// WatchFallback appends a single fallback script tag if the script has not
// loaded by the end of the window. Covers transient network failures and
// tags that never fire either handler. The watcher observes the load state
// and winds down as soon as the script loads.
func (l *Loader) WatchFallback(ctx context.Context, window time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		states := l.StateChan(watchCtx)
		timer := time.NewTimer(window)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case state := <-states:
				if state == StateLoaded {
					return
				}
			case <-timer.C:
				l.appendFallback(window)
				return
			}
		}
	}()
}

func (l *Loader) appendFallback(window time.Duration) {
	if l.Loaded() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fallback {
		return
	}
	l.fallback = true

	if l.fsm.GetState() == StateFailed {
		l.transition(StateLoading)
	}
	l.log.Info("script fallback reload", "id", l.id, "after", window)
	l.append(l.id + "-fallback")
}

// Wait blocks until the fallback watcher (if any) has finished.
func (l *Loader) Wait() { l.wg.Wait() }

func (l *Loader) transition(state string) {
	if !l.fsm.TransitionBool(state) {
		l.log.Debug("script: transition refused", "from", l.fsm.GetState(), "to", state)
	}
}
