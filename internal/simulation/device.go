package simulation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/client"
	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/logger"
)

// counters are shared by every device of a run.
type counters struct {
	advances      atomic.Int64
	committed     atomic.Int64
	noops         atomic.Int64
	answers       atomic.Int64
	votes         atomic.Int64
	votesRejected atomic.Int64
	outcomes      atomic.Int64
	actionErrors  atomic.Int64
}

// Device is one simulated participant driving its own synchronizer.
type Device struct {
	userID  string
	roster  []string
	sync    *client.Synchronizer
	stats   *counters
	rng     *rand.Rand
	think   time.Duration
	verbose bool

	mu       sync.Mutex
	outcomes map[model.Level]match.Outcome

	shutdown chan struct{}
	done     chan struct{}
	logger   logger.Logger
}

func newDevice(userID string, roster []string, seed int64, think time.Duration, stats *counters, verbose bool) *Device {
	return &Device{
		userID:   userID,
		roster:   roster,
		stats:    stats,
		rng:      rand.New(rand.NewSource(seed)), //nolint:gosec // not security sensitive
		think:    think,
		verbose:  verbose,
		outcomes: make(map[model.Level]match.Outcome),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named(userID),
	}
}

// recordOutcome is the synchronizer's outcome handler.
func (d *Device) recordOutcome(out match.Outcome) {
	d.stats.outcomes.Add(1)
	d.mu.Lock()
	d.outcomes[out.Level] = out
	d.mu.Unlock()
}

// Outcomes returns the outcome this device saw per level.
func (d *Device) Outcomes() map[model.Level]match.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[model.Level]match.Outcome, len(d.outcomes))
	for k, v := range d.outcomes {
		out[k] = v
	}
	return out
}

// Run plays until the event is free, ctx ends or the device is shut down.
func (d *Device) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-time.After(d.pause()):
		}

		st := d.sync.State()
		switch st.Phase {
		case model.PhaseFree:
			return
		case model.PhaseQuestions:
			if !st.HasAnswered(d.userID) {
				d.answer(ctx)
				continue
			}
			d.advance(ctx)
		case model.PhaseMatchSelection:
			if st.Level != nil && !d.sync.HasVoted(*st.Level) {
				d.vote(ctx)
			}
		}
	}
}

func (d *Device) pause() time.Duration {
	if d.think <= 0 {
		return time.Millisecond
	}
	return time.Duration(d.rng.Int63n(int64(d.think))) + time.Millisecond
}

func (d *Device) answer(ctx context.Context) {
	ok, err := d.sync.MarkAnswered(ctx)
	if err != nil {
		d.failed(ctx, "answer", err)
		return
	}
	if ok {
		d.stats.answers.Add(1)
	}
}

func (d *Device) advance(ctx context.Context) {
	d.stats.advances.Add(1)
	ok, err := d.sync.Advance(ctx)
	if err != nil {
		d.failed(ctx, "advance", err)
		return
	}
	if ok {
		d.stats.committed.Add(1)
	} else {
		d.stats.noops.Add(1)
	}
	if d.verbose {
		d.logger.Debug(ctx, "advance", logger.Bool("committed", ok), logger.Int64("version", d.sync.State().Version))
	}
}

// vote picks another participant or abstains.
func (d *Device) vote(ctx context.Context) {
	var choice *string
	if pick := d.rng.Intn(len(d.roster) + 1); pick < len(d.roster) && d.roster[pick] != d.userID {
		choice = model.Ptr(d.roster[pick])
	}
	err := d.sync.Vote(ctx, choice)
	switch {
	case err == nil:
		d.stats.votes.Add(1)
	case errors.Is(err, repository.ErrDuplicateVote), errors.Is(err, match.ErrInvalidVote):
		d.stats.votesRejected.Add(1)
	default:
		d.failed(ctx, "vote", err)
	}
}

// failed counts errors a live device shrugs off: a pending action, or a row
// that moved on before the action ran.
func (d *Device) failed(ctx context.Context, op string, err error) {
	if errors.Is(err, client.ErrPending) {
		return
	}
	d.stats.actionErrors.Add(1)
	if d.verbose {
		d.logger.Debug(ctx, op+" failed", logger.Error(err))
	}
}
