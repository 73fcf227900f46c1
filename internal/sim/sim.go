// Package sim provides the scripted browser environment the probe binary
// runs the auth page against: a window, a navigator, and stand-ins for the
// two third-party script objects. The challenge stand-in is meant for
// environments provisioned with the always-pass test site key.
package sim

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/getindexednow/authflow/internal/dom"
	"github.com/getindexednow/authflow/internal/relay"
)

// Window is a minimal hosting window. With a non-nil opener it behaves as
// a popup.
type Window struct {
	origin string
	opener relay.Poster
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewWindow(origin string, opener relay.Poster, log *slog.Logger) *Window {
	return &Window{origin: origin, opener: opener, log: log}
}

func (w *Window) Origin() string { return w.origin }

func (w *Window) Opener() (relay.Poster, bool) {
	if w.opener == nil {
		return nil, false
	}
	return w.opener, true
}

func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.log.Info("window closed")
}

func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Nav parses the probe's page URL and records redirects.
type Nav struct {
	query url.Values
	log   *slog.Logger

	mu        sync.Mutex
	redirects []string

	// Redirected receives each redirect target; buffered so nobody has
	// to drain it.
	Redirected chan string
}

func NewNav(pageURL string, log *slog.Logger) (*Nav, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("sim: parse page url: %w", err)
	}
	return &Nav{
		query:      u.Query(),
		log:        log,
		Redirected: make(chan string, 4),
	}, nil
}

func (n *Nav) Query(key string) string { return n.query.Get(key) }

func (n *Nav) Redirect(location string) {
	n.mu.Lock()
	n.redirects = append(n.redirects, location)
	n.mu.Unlock()
	n.log.Info("navigating", "to", location)
	select {
	case n.Redirected <- location:
	default:
	}
}

func (n *Nav) LastRedirect() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.redirects) == 0 {
		return "", false
	}
	return n.redirects[len(n.redirects)-1], true
}

// Challenge simulates the challenge object: every rendered widget solves
// itself with a fixed token after SolveAfter.
type Challenge struct {
	doc        *dom.MemDocument
	token      string
	solveAfter time.Duration
	log        *slog.Logger

	mu        sync.Mutex
	next      int
	handles   map[string]string // handle -> container
	responses map[string]string
}

func NewChallenge(doc *dom.MemDocument, token string, solveAfter time.Duration, log *slog.Logger) *Challenge {
	return &Challenge{
		doc:        doc,
		token:      token,
		solveAfter: solveAfter,
		log:        log,
		handles:    make(map[string]string),
		responses:  make(map[string]string),
	}
}

func (c *Challenge) Ready() bool { return true }

func (c *Challenge) Render(containerID, siteKey string) (string, error) {
	c.mu.Lock()
	c.next++
	handle := fmt.Sprintf("sim-widget-%d", c.next)
	c.handles[handle] = containerID
	c.mu.Unlock()

	if ct, ok := c.doc.Container(containerID); ok {
		ct.SetContent("<challenge>" + handle + "</challenge>")
	}
	c.log.Debug("challenge rendered", "container", containerID, "handle", handle, "site_key", siteKey)

	time.AfterFunc(c.solveAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, live := c.handles[handle]; live {
			c.responses[handle] = c.token
		}
	})
	return handle, nil
}

func (c *Challenge) Reset(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[handle] = ""
}

func (c *Challenge) Remove(handle string) {
	c.mu.Lock()
	containerID, ok := c.handles[handle]
	delete(c.handles, handle)
	delete(c.responses, handle)
	c.mu.Unlock()
	if !ok {
		return
	}
	if ct, found := c.doc.Container(containerID); found {
		ct.Clear()
	}
}

func (c *Challenge) Response(handle string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses[handle]
}

// Prompt simulates the one-tap identity object. With a credential set it
// delivers it shortly after the prompt is shown.
type Prompt struct {
	credential string
	delay      time.Duration
	log        *slog.Logger

	mu sync.Mutex
	cb func(string)
}

func NewPrompt(credential string, delay time.Duration, log *slog.Logger) *Prompt {
	return &Prompt{credential: credential, delay: delay, log: log}
}

func (p *Prompt) Ready() bool { return true }

func (p *Prompt) Initialize(clientID string, callback func(credential string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = callback
	p.log.Debug("one-tap initialized", "client_id", clientID)
}

func (p *Prompt) Prompt() {
	if p.credential == "" {
		p.log.Debug("one-tap prompt shown, nobody home")
		return
	}
	time.AfterFunc(p.delay, func() {
		p.mu.Lock()
		cb := p.cb
		p.mu.Unlock()
		if cb != nil {
			cb(p.credential)
		}
	})
}

func (p *Prompt) Cancel() {
	p.log.Debug("one-tap prompt dismissed")
}
