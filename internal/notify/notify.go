// Package notify fans user-facing notices out to whoever is presenting
// them (the probe logs them; a UI would toast them). Notices are transient
// and never persisted.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notice struct {
	ID      string
	Level   Level
	Message string
	Time    time.Time
}

type subscriber func(n Notice)

type Bus struct {
	mu   sync.RWMutex
	subs []subscriber
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	return &Bus{log: log}
}

func (b *Bus) Subscribe(fn func(n Notice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Emit(level Level, message string) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	n := Notice{
		ID:      uuid.New().String(),
		Level:   level,
		Message: message,
		Time:    time.Now(),
	}
	b.log.Debug("notice emitted", "level", level, "message", message, "id", n.ID)

	for _, fn := range subs {
		fn(n)
	}
}

func (b *Bus) Info(message string)  { b.Emit(LevelInfo, message) }
func (b *Bus) Error(message string) { b.Emit(LevelError, message) }
