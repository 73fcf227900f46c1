// Package dom abstracts the hosting document surface the auth page touches:
// the two challenge containers and script-tag injection. The real browser
// environment is out of process; the engine only ever talks to this
// interface, which keeps the render logic testable against MemDocument.
package dom

// Container is a slot the challenge widget renders into.
type Container interface {
	ID() string
	SetContent(markup string)
	Content() string
	Clear()
}

// Script describes a script tag appended to the document. OnLoad and
// OnError fire at most once, after the tag finishes loading or fails.
type Script struct {
	ID      string
	URL     string
	Async   bool
	OnLoad  func()
	OnError func()
}

// Document is the subset of the hosting document the engine depends on.
type Document interface {
	// Container returns the element with the given id, if present.
	Container(id string) (Container, bool)

	// HasScript reports whether a script tag with the given id exists.
	HasScript(id string) bool

	// AppendScript adds a script tag to the document. Duplicate ids are
	// the caller's problem; Document does not dedupe.
	AppendScript(s Script)
}
