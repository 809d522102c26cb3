package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/logger"
	"github.com/okian/icebreaker/pkg/metrics"
)

// MemoryFeed fans rows out to in-process subscribers over bounded channels.
type MemoryFeed struct {
	opts options

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

// NewMemoryFeed creates an in-process feed.
func NewMemoryFeed(opts ...Option) *MemoryFeed {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("feed")
	}
	return &MemoryFeed{opts: o, subs: make(map[string]map[*subscription]struct{})}
}

func (f *MemoryFeed) Publish(ctx context.Context, ev model.Event) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		metrics.RecordErrorByComponent("feed", "closed")
		return ErrClosed
	}
	targets := make([]*subscription, 0, len(f.subs[ev.ID]))
	for s := range f.subs[ev.ID] {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	metrics.RecordFeedPublish()
	for _, s := range targets {
		if !s.offer(ev.Clone()) {
			f.opts.logger.Warn(ctx, "subscriber dropped",
				logger.String("eventID", ev.ID),
				logger.Int64("version", ev.Version),
			)
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(_ context.Context, eventID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("subscribe %s: %w", eventID, ErrClosed)
	}

	s := newSubscription(eventID, f.opts.bufferSize)
	s.release = func() { f.remove(s) }
	set, ok := f.subs[eventID]
	if !ok {
		set = make(map[*subscription]struct{})
		f.subs[eventID] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions for eventID.
func (f *MemoryFeed) Subscribers(eventID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[eventID])
}

// Close loses every open subscription.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	all := f.subs
	f.subs = make(map[string]map[*subscription]struct{})
	f.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.close(ErrSubscriptionLost)
		}
	}
	return nil
}

func (f *MemoryFeed) remove(s *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[s.eventID]
	delete(set, s)
	if len(set) == 0 {
		delete(f.subs, s.eventID)
	}
}
