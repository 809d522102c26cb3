// Package dedupe guards side effects that must fire at most once per key.
//
// Match evaluation uses it with one key per (event, level): the first caller
// to claim a key runs the evaluation, every later caller skips it.
package dedupe

import (
	"container/list"
	"context"
	"sync"

	"github.com/okian/icebreaker/internal/domain/model"
)

// Guard records claimed keys to ensure at-most-once evaluation.
type Guard interface {
	// SeenAndRecord atomically checks if key was claimed and claims it if not.
	// Returns true if key was already claimed, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key string) (bool, error)

	// Unrecord releases a key so that it can be claimed again. It is used
	// when the guarded work failed after the claim.
	Unrecord(ctx context.Context, key string) error
}

// Key builds the guard key for a match evaluation.
func Key(eventID string, level model.Level) string {
	return "match:" + eventID + ":" + string(level)
}

// memoryGuard implements Guard with a bounded map. When full, the oldest
// claim is evicted first.
type memoryGuard struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // front is the newest claim
	maxSize int
}

// NewMemoryGuard creates a per-process guard. maxSize <= 0 means unbounded.
func NewMemoryGuard(maxSize int) Guard {
	return &memoryGuard{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (g *memoryGuard) SeenAndRecord(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[key]; ok {
		return true, nil
	}
	if g.maxSize > 0 && len(g.seen) >= g.maxSize {
		if oldest := g.order.Back(); oldest != nil {
			delete(g.seen, oldest.Value.(string))
			g.order.Remove(oldest)
		}
	}
	g.seen[key] = g.order.PushFront(key)
	return false, nil
}

func (g *memoryGuard) Unrecord(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.seen[key]; ok {
		g.order.Remove(el)
		delete(g.seen, key)
	}
	return nil
}

// Size returns the number of claimed keys. Only the memory guard can
// answer cheaply.
func Size(g Guard) int {
	mg, ok := g.(*memoryGuard)
	if !ok {
		return -1
	}
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.seen)
}
