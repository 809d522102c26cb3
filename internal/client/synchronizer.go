// Package client keeps one device's view of an event's game state in step
// with the shared row.
//
// A Synchronizer restores the row on entry, follows the change feed and lets
// the device act optimistically: the expected patch is applied locally, then
// written under a version precondition, and rolled back if the write fails.
// Inbound rows replace local state wholesale; rows at or below the local
// version are ignored, so redelivery is harmless.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/match"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
	"github.com/okian/icebreaker/pkg/metrics"
)

const (
	maxActionAttempts   = 3
	maxAnswerAttempts   = 8
	autoContinueTimeout = 10 * time.Second
)

// Backend is the part of the data store a device talks to.
type Backend interface {
	Get(ctx context.Context, eventID string) (model.Event, error)
	Update(ctx context.Context, eventID string, patch model.Patch, pre *repository.Precondition) (model.Event, error)
	ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error)
	InsertVote(ctx context.Context, v model.Vote) error
	ListVotes(ctx context.Context, eventID string, level model.Level) ([]model.Vote, error)
}

type decideFunc func(s model.GameState, participants []model.Participant) (phase.Transition, error)

// Synchronizer is one device's session on one event.
type Synchronizer struct {
	backend    Backend
	subscriber feed.Subscriber
	eventID    string
	userID     string

	rules          phase.Rules
	guard          dedupe.Guard
	evaluator      *match.Evaluator
	timeUnit       time.Duration
	pollInterval   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	onOutcome      func(match.Outcome)
	onChange       func(model.Event)
	logger         logger.Logger

	auto match.AutoAdvance
	wg   sync.WaitGroup

	mu       sync.Mutex
	local    model.Event
	restored bool
	pending  bool
	voted    map[model.Level]bool
	sub      feed.Subscription
	cancel   context.CancelFunc
	stopped  bool
}

// New creates a Synchronizer for userID's device on eventID.
func New(backend Backend, subscriber feed.Subscriber, eventID, userID string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		backend:        backend,
		subscriber:     subscriber,
		eventID:        eventID,
		userID:         userID,
		rules:          phase.NewRules(),
		timeUnit:       time.Second,
		pollInterval:   defaultPollInterval,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		voted:          make(map[model.Level]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("sync")
	}
	s.logger = s.logger.With(logger.String("eventID", eventID), logger.String("userID", userID))
	if s.guard == nil {
		s.guard = dedupe.NewMemoryGuard(0)
	}
	s.evaluator = match.NewEvaluator(s.guard)
	return s
}

// Start subscribes, restores and begins following the feed. The
// subscription is opened first so no commit falls between the read and
// the first notification.
func (s *Synchronizer) Start(ctx context.Context) error {
	sub, err := s.subscriber.Subscribe(ctx, s.eventID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := s.Restore(ctx); err != nil {
		sub.Unsubscribe()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		sub.Unsubscribe()
		return ErrStopped
	}
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run(runCtx, sub)
	go s.poll(runCtx)
	return nil
}

// Stop tears down the subscription and timers. A write already in flight
// completes on its own.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, sub := s.cancel, s.sub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	s.auto.Cancel()
	s.wg.Wait()
}

// Restore reads the row and installs it. The first restore takes the row
// exactly; later ones keep local state when the feed already delivered a
// newer version while the read was in flight.
func (s *Synchronizer) Restore(ctx context.Context) error {
	ev, err := s.backend.Get(ctx, s.eventID)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.mu.Lock()
	again := s.restored
	installed := !again || ev.Version > s.local.Version
	if installed {
		s.local = ev.Clone()
	}
	s.restored = true
	cur := s.local.Clone()
	s.mu.Unlock()

	if again && installed {
		metrics.RecordSyncResync()
	}
	if installed {
		s.changed(cur)
	}
	s.checkMatches(ctx)
	return nil
}

// State returns a copy of the local row.
func (s *Synchronizer) State() model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Clone()
}

// Pending reports whether a local action is waiting for its write.
func (s *Synchronizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// HasVoted reports whether this device's vote for level is locked in.
func (s *Synchronizer) HasVoted(level model.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voted[level]
}

// Advance moves to the next question. It returns false without error when
// another device advanced first.
func (s *Synchronizer) Advance(ctx context.Context) (bool, error) {
	s.auto.Cancel()
	return s.act(ctx, "advance", maxActionAttempts, s.rules.Advance)
}

// Continue leaves match selection. A pending auto-advance is cancelled.
func (s *Synchronizer) Continue(ctx context.Context) (bool, error) {
	s.auto.Cancel()
	return s.act(ctx, "continue", maxActionAttempts, s.rules.Continue)
}

// MarkAnswered adds this device's user to the answered set of the question
// it shows. It returns false without error when the row already moved on, so
// a late answer never lands on a question the user has not seen. Concurrent
// answers to the same question collide on the version and are retried.
func (s *Synchronizer) MarkAnswered(ctx context.Context) (bool, error) {
	return s.act(ctx, "answered", maxAnswerAttempts, func(st model.GameState, _ []model.Participant) (phase.Transition, error) {
		return phase.MarkAnswered(st, s.userID)
	})
}

// act applies decide optimistically and writes it conditioned on the version
// it was decided against. A stale write re-reads the row; if the position
// moved the step was overtaken and act returns false.
func (s *Synchronizer) act(ctx context.Context, op string, attempts int, decide decideFunc) (bool, error) {
	for attempt := 1; ; attempt++ {
		participants, err := s.backend.ListParticipants(ctx, s.eventID)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}

		s.mu.Lock()
		if err := s.usable(); err != nil {
			s.mu.Unlock()
			return false, err
		}
		snap := s.local.Clone()
		tr, err := decide(snap.GameState, participants)
		if err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("%s: %w", op, err)
		}
		s.local.GameState = tr.Patch.Apply(s.local.GameState)
		s.pending = true
		optimistic := s.local.Clone()
		s.mu.Unlock()
		s.changed(optimistic)

		next, err := s.backend.Update(ctx, s.eventID, tr.Patch, &repository.Precondition{Version: snap.Version})

		s.mu.Lock()
		s.pending = false
		if err == nil {
			if next.Version > s.local.Version {
				s.local = next.Clone()
			}
			cur := s.local.Clone()
			s.mu.Unlock()
			s.changed(cur)
			s.logger.Debug(ctx, "action committed",
				logger.String("kind", string(tr.Kind)),
				logger.Int64("version", next.Version),
			)
			return true, nil
		}
		s.rollback(snap)
		cur := s.local.Clone()
		s.mu.Unlock()
		metrics.RecordSyncRollback()
		s.changed(cur)

		if !errors.Is(err, repository.ErrStaleWrite) {
			s.logger.Warn(ctx, "action rolled back", logger.String("op", op), logger.Error(err))
			return false, fmt.Errorf("%s: %w", op, err)
		}
		if rerr := s.Restore(ctx); rerr != nil {
			return false, rerr
		}
		if !s.State().Position().Equal(snap.Position()) {
			// Another device already performed this step.
			return false, nil
		}
		if attempt >= attempts {
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}
}

// rollback restores snap unless a newer row arrived while the write was in
// flight. Must be called with mu held.
func (s *Synchronizer) rollback(snap model.Event) {
	if s.local.Version == snap.Version {
		s.local = snap
	}
}

// Vote submits this device's choice for the open level; nil selects nobody.
// The choice is locked locally before the write and released only if the
// write fails for a reason other than an existing vote.
func (s *Synchronizer) Vote(ctx context.Context, selected *string) error {
	participants, err := s.backend.ListParticipants(ctx, s.eventID)
	if err != nil {
		return fmt.Errorf("vote: %w", err)
	}

	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.local.Level == nil {
		s.mu.Unlock()
		return fmt.Errorf("vote in %s: %w", s.local.Phase, match.ErrInvalidVote)
	}
	v := model.Vote{EventID: s.eventID, Level: *s.local.Level, FromUserID: s.userID, SelectedUserID: selected}
	if err := match.ValidateVote(s.local.GameState, v, participants); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.voted[v.Level] {
		s.mu.Unlock()
		return fmt.Errorf("vote %s: %w", v.Level, repository.ErrDuplicateVote)
	}
	s.voted[v.Level] = true
	s.mu.Unlock()

	if err := s.backend.InsertVote(ctx, v); err != nil {
		if !errors.Is(err, repository.ErrDuplicateVote) {
			s.mu.Lock()
			delete(s.voted, v.Level)
			s.mu.Unlock()
			metrics.RecordSyncRollback()
		}
		return err
	}
	s.checkMatches(ctx)
	return nil
}

// checkMatches evaluates the open level once every participant voted. The
// guard lets it run once per level; the outcome handler and the
// auto-continue timer follow from that single run.
func (s *Synchronizer) checkMatches(ctx context.Context) {
	s.mu.Lock()
	if s.local.Phase != model.PhaseMatchSelection || s.local.Level == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	level, pos := *s.local.Level, s.local.Position()
	s.mu.Unlock()

	votes, err := s.backend.ListVotes(ctx, s.eventID, level)
	if err != nil {
		s.logger.Warn(ctx, "list votes failed", logger.Error(err))
		return
	}
	participants, err := s.backend.ListParticipants(ctx, s.eventID)
	if err != nil {
		s.logger.Warn(ctx, "list participants failed", logger.Error(err))
		return
	}
	pairs, ran, err := s.evaluator.Evaluate(ctx, s.eventID, level, votes, participants)
	if err != nil {
		s.logger.Warn(ctx, "evaluation failed", logger.Error(err))
		return
	}
	if !ran {
		return
	}

	out := match.OutcomeFor(s.userID, pairs, participants, s.timeUnit)
	out.Level = level
	s.logger.Info(ctx, "level evaluated",
		logger.String("level", string(level)),
		logger.Bool("matched", out.Matched),
		logger.Duration("autoAdvance", out.Delay),
	)
	s.auto.Schedule(out.Delay, func() { s.autoContinue(pos) })
	if s.onOutcome != nil {
		s.onOutcome(out)
	}
}

func (s *Synchronizer) autoContinue(pos model.Position) {
	s.mu.Lock()
	skip := s.stopped || !s.local.Position().Equal(pos)
	s.mu.Unlock()
	if skip {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), autoContinueTimeout)
	defer cancel()
	if _, err := s.act(ctx, "continue", maxActionAttempts, s.rules.Continue); err != nil {
		s.logger.Warn(ctx, "auto-continue failed", logger.Error(err))
	}
}

// apply replaces local state with a newer row.
func (s *Synchronizer) apply(ctx context.Context, ev model.Event) {
	s.mu.Lock()
	if ev.Version <= s.local.Version {
		s.mu.Unlock()
		return
	}
	s.local = ev.Clone()
	s.mu.Unlock()

	s.changed(ev)
	if ev.Phase == model.PhaseMatchSelection {
		s.checkMatches(ctx)
	}
}

func (s *Synchronizer) run(ctx context.Context, sub feed.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if ok {
				s.apply(ctx, ev)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn(ctx, "subscription lost", logger.Error(sub.Err()))
			next, err := s.resubscribe(ctx)
			if err != nil {
				return
			}
			sub = next
		}
	}
}

// resubscribe retries with exponential backoff until a subscription is open
// and the row restored, or ctx ends.
func (s *Synchronizer) resubscribe(ctx context.Context) (feed.Subscription, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffInitial
	b.MaxInterval = s.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	var sub feed.Subscription
	err := backoff.Retry(func() error {
		next, err := s.subscriber.Subscribe(ctx, s.eventID)
		if err != nil {
			return err
		}
		if err := s.Restore(ctx); err != nil {
			next.Unsubscribe()
			return err
		}
		sub = next
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		sub.Unsubscribe()
		return nil, ErrStopped
	}
	s.sub = sub
	return sub, nil
}

func (s *Synchronizer) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkMatches(ctx)
		}
	}
}

// usable must be called with mu held.
func (s *Synchronizer) usable() error {
	switch {
	case s.stopped:
		return ErrStopped
	case !s.restored:
		return ErrNotRestored
	case s.pending:
		return ErrPending
	}
	return nil
}

func (s *Synchronizer) changed(ev model.Event) {
	if s.onChange != nil {
		s.onChange(ev)
	}
}
