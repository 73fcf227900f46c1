package dom

import "sync"

// MemDocument is an in-memory Document used by the probe binary and by
// tests. Script load/error events are fired explicitly via FireLoad and
// FireError.
type MemDocument struct {
	mu         sync.Mutex
	containers map[string]*memContainer
	scripts    []Script
}

func NewMemDocument(containerIDs ...string) *MemDocument {
	d := &MemDocument{containers: make(map[string]*memContainer)}
	for _, id := range containerIDs {
		d.containers[id] = &memContainer{id: id}
	}
	return d
}

func (d *MemDocument) Container(id string) (Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	return c, ok
}

// AddContainer registers a new empty container, replacing any existing one
// with the same id.
func (d *MemDocument) AddContainer(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[id] = &memContainer{id: id}
}

func (d *MemDocument) HasScript(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.scripts {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (d *MemDocument) AppendScript(s Script) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, s)
}

// ScriptCount returns how many script tags with the given id exist.
func (d *MemDocument) ScriptCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.scripts {
		if s.ID == id {
			n++
		}
	}
	return n
}

// Scripts returns a snapshot of all appended script tags in order.
func (d *MemDocument) Scripts() []Script {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Script, len(d.scripts))
	copy(out, d.scripts)
	return out
}

// FireLoad invokes the OnLoad handler of every script tag with the given id.
func (d *MemDocument) FireLoad(id string) {
	for _, fn := range d.handlers(id, true) {
		fn()
	}
}

// FireError invokes the OnError handler of every script tag with the given id.
func (d *MemDocument) FireError(id string) {
	for _, fn := range d.handlers(id, false) {
		fn()
	}
}

func (d *MemDocument) handlers(id string, load bool) []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var fns []func()
	for _, s := range d.scripts {
		fn := s.OnError
		if load {
			fn = s.OnLoad
		}
		if s.ID == id && fn != nil {
			fns = append(fns, fn)
		}
	}
	return fns
}

type memContainer struct {
	mu      sync.Mutex
	id      string
	content string
}

func (c *memContainer) ID() string { return c.id }

func (c *memContainer) SetContent(markup string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = markup
}

func (c *memContainer) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

func (c *memContainer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = ""
}
