package store

import (
	"io"
	"log/slog"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(":memory:", log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGet_Missing(t *testing.T) {
	st := newTestStore(t)

	if v, ok := st.Get("token"); ok || v != "" {
		t.Errorf("Get = (%q, %v), want empty miss", v, ok)
	}
}

func TestSetGetDelete(t *testing.T) {
	st := newTestStore(t)

	st.Set("token", "abc")
	if v, ok := st.Get("token"); !ok || v != "abc" {
		t.Errorf("Get = (%q, %v), want (abc, true)", v, ok)
	}

	st.Set("token", "def")
	if v, _ := st.Get("token"); v != "def" {
		t.Errorf("Get after overwrite = %q, want def", v)
	}

	st.Delete("token")
	if _, ok := st.Get("token"); ok {
		t.Error("key present after delete")
	}
}

func TestDelete_Absent(t *testing.T) {
	st := newTestStore(t)

	// Must not error or panic.
	st.Delete("selectedPlanAfterLogin")
}
