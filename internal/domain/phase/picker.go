package phase

import (
	"math/rand"
	"sync"
	"time"
)

// Picker chooses a uniformly random index in [0, n).
type Picker interface {
	Intn(n int) int
}

// RandPicker is a Picker over a seeded source, safe for concurrent use.
type RandPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandPicker creates a picker with a fixed seed. Tests use it for
// reproducible starters.
func NewRandPicker(seed int64) *RandPicker {
	return &RandPicker{rng: rand.New(rand.NewSource(seed))} //nolint:gosec // not security sensitive
}

// NewTimePicker seeds from the clock.
func NewTimePicker() *RandPicker {
	return NewRandPicker(time.Now().UnixNano())
}

func (p *RandPicker) Intn(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Intn(n)
}
