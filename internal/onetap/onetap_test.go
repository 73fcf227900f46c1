package onetap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/getindexednow/authflow/internal/api"
	"github.com/getindexednow/authflow/internal/dom"
	"github.com/getindexednow/authflow/internal/notify"
	"github.com/getindexednow/authflow/internal/script"
)

type fakePrompt struct {
	mu          sync.Mutex
	ready       bool
	initialized bool
	clientID    string
	callback    func(string)
	prompts     int
	cancels     int
}

func (f *fakePrompt) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakePrompt) Initialize(clientID string, callback func(credential string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	f.clientID = clientID
	f.callback = callback
}

func (f *fakePrompt) Prompt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts++
}

func (f *fakePrompt) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakePrompt) deliver(credential string) {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil {
		cb(credential)
	}
}

type fakeVerifier struct {
	token string
	err   error
}

func (v *fakeVerifier) VerifyOneTap(ctx context.Context, credential string) (string, error) {
	return v.token, v.err
}

type fakeSession struct {
	mu      sync.Mutex
	applied []string
}

func (s *fakeSession) Apply(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, token)
	return nil
}

type fakeNav struct {
	mu        sync.Mutex
	redirects []string
}

func (n *fakeNav) Query(key string) string { return "" }

func (n *fakeNav) Redirect(location string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, location)
}

type memStorage struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStorage() *memStorage { return &memStorage{m: make(map[string]string)} }

func (s *memStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memStorage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *memStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

type harness struct {
	init    *Initializer
	doc     *dom.MemDocument
	prompt  *fakePrompt
	session *fakeSession
	nav     *fakeNav
	notices []notify.Notice
	noticeM sync.Mutex
}

func newHarness(t *testing.T, cfg Config, verifier Verifier) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	doc := dom.NewMemDocument()
	loader, err := script.NewLoader(doc, "https://accounts.google.com/gsi/client", "google-gsi-script", log)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ReadyWait = 500 * time.Millisecond
	cfg.PollEvery = 5 * time.Millisecond

	h := &harness{
		doc:     doc,
		prompt:  &fakePrompt{ready: true},
		session: &fakeSession{},
		nav:     &fakeNav{},
	}
	bus := notify.NewBus(log)
	bus.Subscribe(func(n notify.Notice) {
		h.noticeM.Lock()
		defer h.noticeM.Unlock()
		h.notices = append(h.notices, n)
	})
	h.init = New(cfg, loader, h.prompt, verifier, h.session, newMemStorage(), h.nav, bus, log)
	t.Cleanup(h.init.Stop)
	return h
}

func (h *harness) waitScriptAppended(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.doc.ScriptCount("google-gsi-script") > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("script never appended")
}

func (h *harness) waitPrompted(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.prompt.mu.Lock()
		n := h.prompt.prompts
		h.prompt.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prompt never triggered")
}

func TestStart_KillSwitchSkipsAndCancels(t *testing.T) {
	h := newHarness(t, Config{ClientID: "cid", Disabled: true}, &fakeVerifier{})

	h.init.Start(context.Background())
	h.init.Stop()

	if h.prompt.initialized {
		t.Error("client initialized despite kill switch")
	}
	if h.prompt.cancels != 1 {
		t.Errorf("cancels = %d, want 1", h.prompt.cancels)
	}
	if n := h.doc.ScriptCount("google-gsi-script"); n != 0 {
		t.Errorf("script tags = %d, want 0", n)
	}
}

func TestStart_MissingClientIDSkipsSilently(t *testing.T) {
	h := newHarness(t, Config{}, &fakeVerifier{})

	h.init.Start(context.Background())
	h.init.Stop()

	if h.prompt.initialized || h.prompt.cancels != 0 {
		t.Errorf("prompt touched: initialized=%v cancels=%d", h.prompt.initialized, h.prompt.cancels)
	}
}

func TestStart_LoadsScriptOnceAndPrompts(t *testing.T) {
	h := newHarness(t, Config{ClientID: "cid"}, &fakeVerifier{token: "sess"})

	h.init.Start(context.Background())
	h.init.Start(context.Background()) // idempotent

	// Script appended, then loads.
	deadline := time.Now().Add(time.Second)
	for h.doc.ScriptCount("google-gsi-script") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.doc.ScriptCount("google-gsi-script"); n != 1 {
		t.Fatalf("script tags = %d, want 1", n)
	}
	h.doc.FireLoad("google-gsi-script")

	h.waitPrompted(t)
	if h.prompt.clientID != "cid" {
		t.Errorf("client id = %q", h.prompt.clientID)
	}
}

func TestCallback_SuccessAppliesSessionAndRedirects(t *testing.T) {
	h := newHarness(t, Config{ClientID: "cid"}, &fakeVerifier{token: "sess-tok"})

	h.init.Start(context.Background())
	h.waitScriptAppended(t)
	h.doc.FireLoad("google-gsi-script")
	h.waitPrompted(t)

	h.prompt.deliver("credential-1")

	h.session.mu.Lock()
	applied := append([]string(nil), h.session.applied...)
	h.session.mu.Unlock()
	if len(applied) != 1 || applied[0] != "sess-tok" {
		t.Errorf("session applied = %v, want [sess-tok]", applied)
	}
	h.nav.mu.Lock()
	redirects := append([]string(nil), h.nav.redirects...)
	h.nav.mu.Unlock()
	if len(redirects) != 1 || redirects[0] != "/dashboard" {
		t.Errorf("redirects = %v, want [/dashboard]", redirects)
	}
}

func TestCallback_FailureEmitsNoticeOnly(t *testing.T) {
	verr := &api.Error{Status: 401, Message: "invalid credential"}
	h := newHarness(t, Config{ClientID: "cid"}, &fakeVerifier{err: verr})

	h.init.Start(context.Background())
	h.waitScriptAppended(t)
	h.doc.FireLoad("google-gsi-script")
	h.waitPrompted(t)

	h.prompt.deliver("bad-credential")

	if len(h.session.applied) != 0 {
		t.Errorf("session applied = %v, want none", h.session.applied)
	}
	h.noticeM.Lock()
	defer h.noticeM.Unlock()
	if len(h.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(h.notices))
	}
	if h.notices[0].Message != "invalid credential" {
		t.Errorf("notice = %q", h.notices[0].Message)
	}
	if h.notices[0].Level != notify.LevelError {
		t.Errorf("level = %q", h.notices[0].Level)
	}
}

func TestDisable_CancelsVisiblePrompt(t *testing.T) {
	h := newHarness(t, Config{ClientID: "cid"}, &fakeVerifier{token: "sess"})

	h.init.Start(context.Background())
	h.waitScriptAppended(t)
	h.doc.FireLoad("google-gsi-script")
	h.waitPrompted(t)

	h.init.Disable()

	h.prompt.mu.Lock()
	cancels := h.prompt.cancels
	h.prompt.mu.Unlock()
	if cancels != 1 {
		t.Errorf("cancels = %d, want 1", cancels)
	}
}

func TestDisplayMessage_GenericForNonAPIErrors(t *testing.T) {
	if got := displayMessage(errors.New("dial tcp: refused")); got != "sign-in failed, please try again" {
		t.Errorf("message = %q", got)
	}
}
