// Package feed carries committed event rows to subscribers. Delivery is at
// most once per subscriber and in commit order per event; consumers order by
// row version and ignore what they have already seen.
package feed

import (
	"context"
	"sync"

	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/metrics"
)

// Publisher announces a committed row.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Subscriber opens a change subscription for one event.
type Subscriber interface {
	Subscribe(ctx context.Context, eventID string) (Subscription, error)
}

// Feed is both ends of the change stream.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription delivers rows for one event until Unsubscribe or loss.
type Subscription interface {
	// C returns the delivery channel. It is closed on Unsubscribe and on loss.
	C() <-chan model.Event
	// Err is nil after a clean Unsubscribe and ErrSubscriptionLost after loss.
	Err() error
	Unsubscribe()
}

type subscription struct {
	eventID string
	ch      chan model.Event
	release func()

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(eventID string, buffer int) *subscription {
	metrics.AddFeedSubscriptions(1)
	return &subscription{eventID: eventID, ch: make(chan model.Event, buffer)}
}

func (s *subscription) C() <-chan model.Event { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	if s.close(nil) && s.release != nil {
		s.release()
	}
}

// offer hands ev to the subscriber without blocking. A full buffer loses
// the subscription; the return value reports delivery.
func (s *subscription) offer(ev model.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.ch <- ev:
		s.mu.Unlock()
		metrics.RecordFeedDelivery()
		return true
	default:
	}
	s.mu.Unlock()

	if s.close(ErrSubscriptionLost) {
		metrics.RecordFeedDropped()
		if s.release != nil {
			s.release()
		}
	}
	return false
}

// close reports whether this call closed the channel.
func (s *subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	metrics.AddFeedSubscriptions(-1)
	return true
}
