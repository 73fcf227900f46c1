package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

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

func TestApplyTokenClear(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(newMemStorage(), log)

	if _, ok := s.Token(); ok {
		t.Error("token present before apply")
	}
	if err := s.Apply(context.Background(), "tok-1"); err != nil {
		t.Fatal(err)
	}
	if tok, ok := s.Token(); !ok || tok != "tok-1" {
		t.Errorf("Token = (%q, %v)", tok, ok)
	}

	s.Clear()
	if _, ok := s.Token(); ok {
		t.Error("token present after clear")
	}
}

func TestApply_EmptyToken(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(newMemStorage(), log)

	if err := s.Apply(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
}
