package script

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/getindexednow/authflow/internal/dom"
)

func newTestLoader(t *testing.T) (*Loader, *dom.MemDocument) {
	t.Helper()
	doc := dom.NewMemDocument()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := NewLoader(doc, "https://example.com/challenge.js", "challenge-script", log)
	if err != nil {
		t.Fatal(err)
	}
	return l, doc
}

func TestEnsureLoaded_AppendsOnce(t *testing.T) {
	l, doc := newTestLoader(t)

	for range 5 {
		l.EnsureLoaded()
	}

	if n := doc.ScriptCount("challenge-script"); n != 1 {
		t.Errorf("script count = %d, want 1", n)
	}
	if got := l.State(); got != StateLoading {
		t.Errorf("state = %q, want %q", got, StateLoading)
	}
}

func TestEnsureLoaded_LoadFlipsState(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	doc.FireLoad("challenge-script")

	if !l.Loaded() {
		t.Errorf("state = %q, want %q", l.State(), StateLoaded)
	}
}

func TestEnsureLoaded_ErrorFlipsState(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	doc.FireError("challenge-script")

	if !l.Failed() {
		t.Errorf("state = %q, want %q", l.State(), StateFailed)
	}
}

func TestEnsureLoaded_ExistingTagTreatedAsLoaded(t *testing.T) {
	l, doc := newTestLoader(t)
	doc.AppendScript(dom.Script{ID: "challenge-script", URL: "https://example.com/challenge.js"})

	l.EnsureLoaded()

	if !l.Loaded() {
		t.Errorf("state = %q, want %q", l.State(), StateLoaded)
	}
	if n := doc.ScriptCount("challenge-script"); n != 1 {
		t.Errorf("script count = %d, want 1", n)
	}
}

func TestWatchFallback_AppendsExactlyOne(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	l.WatchFallback(context.Background(), 10*time.Millisecond)
	l.WatchFallback(context.Background(), 10*time.Millisecond)
	l.Wait()

	if n := doc.ScriptCount("challenge-script-fallback"); n != 1 {
		t.Errorf("fallback count = %d, want 1", n)
	}
}

func TestWatchFallback_SkippedWhenLoaded(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	doc.FireLoad("challenge-script")
	l.WatchFallback(context.Background(), 5*time.Millisecond)
	l.Wait()

	if n := doc.ScriptCount("challenge-script-fallback"); n != 0 {
		t.Errorf("fallback count = %d, want 0", n)
	}
}

func TestWatchFallback_RecoversFromFailed(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	doc.FireError("challenge-script")
	l.WatchFallback(context.Background(), 5*time.Millisecond)
	l.Wait()

	if got := l.State(); got != StateLoading {
		t.Fatalf("state = %q, want %q", got, StateLoading)
	}
	doc.FireLoad("challenge-script-fallback")
	if !l.Loaded() {
		t.Errorf("state = %q, want %q after fallback load", l.State(), StateLoaded)
	}
}

func TestWatchFallback_LatePrimaryLoadAfterFallbackError(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	l.WatchFallback(context.Background(), 5*time.Millisecond)
	l.Wait()

	doc.FireError("challenge-script-fallback")
	if !l.Failed() {
		t.Fatalf("state = %q, want %q after fallback error", l.State(), StateFailed)
	}

	// The slow primary tag can still come through after the fallback gave
	// up; the script is usable from then on.
	doc.FireLoad("challenge-script")
	if !l.Loaded() {
		t.Errorf("state = %q, want %q after late primary load", l.State(), StateLoaded)
	}
}

func TestWatchFallback_StopsOnceLoaded(t *testing.T) {
	l, doc := newTestLoader(t)

	l.EnsureLoaded()
	l.WatchFallback(context.Background(), time.Hour)
	doc.FireLoad("challenge-script")

	// Wait returns long before the window elapses; the watcher saw the
	// load and wound down.
	l.Wait()
	if n := doc.ScriptCount("challenge-script-fallback"); n != 0 {
		t.Errorf("fallback count = %d, want 0", n)
	}
}

func TestWatchFallback_CancelledByContext(t *testing.T) {
	l, doc := newTestLoader(t)

	ctx, cancel := context.WithCancel(context.Background())
	l.EnsureLoaded()
	l.WatchFallback(ctx, time.Hour)
	cancel()
	l.Wait()

	if n := doc.ScriptCount("challenge-script-fallback"); n != 0 {
		t.Errorf("fallback count = %d, want 0 after cancel", n)
	}
}
