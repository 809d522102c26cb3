package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/logger"
	"github.com/okian/icebreaker/pkg/metrics"
)

// NATSFeed publishes rows as JSON on <prefix>.events.<id>, so every server
// replica sees every commit.
type NATSFeed struct {
	conn *nats.Conn
	opts options

	mu     sync.Mutex
	subs   map[*subscription]*nats.Subscription
	closed bool
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSFeed wraps conn. Closing the connection loses every subscription,
// and so does a disconnect: rows published while the connection is down are
// never redelivered, so subscribers must resubscribe and restore. A
// subscription opened during the outage is lost again on reconnect.
func NewNATSFeed(conn *nats.Conn, opts ...Option) *NATSFeed {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get().Named("feed-nats")
	}
	f := &NATSFeed{conn: conn, opts: o, subs: make(map[*subscription]*nats.Subscription)}
	conn.SetClosedHandler(func(*nats.Conn) { f.loseAll() })
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		metrics.RecordErrorByComponent("feed", "disconnected")
		f.opts.logger.Warn(context.Background(), "nats disconnected", logger.Error(err))
		f.loseAll()
	})
	conn.SetReconnectHandler(func(nc *nats.Conn) {
		f.opts.logger.Info(context.Background(), "nats reconnected", logger.String("url", nc.ConnectedUrlRedacted()))
		f.loseAll()
	})
	return f
}

// Subject returns the subject rows of eventID are published on.
func (f *NATSFeed) Subject(eventID string) string {
	return f.opts.prefix + ".events." + eventID
}

func (f *NATSFeed) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	if err := f.conn.Publish(f.Subject(ev.ID), data); err != nil {
		metrics.RecordErrorByComponent("feed", "publish_failed")
		f.opts.logger.Error(ctx, "publish failed", logger.String("eventID", ev.ID), logger.Error(err))
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}
	metrics.RecordFeedPublish()
	return nil
}

func (f *NATSFeed) Subscribe(ctx context.Context, eventID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.conn.IsClosed() {
		return nil, fmt.Errorf("subscribe %s: %w", eventID, ErrClosed)
	}

	s := newSubscription(eventID, f.opts.bufferSize)
	s.release = func() { f.remove(s) }
	ns, err := f.conn.Subscribe(f.Subject(eventID), func(msg *nats.Msg) {
		var ev model.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			metrics.RecordErrorByComponent("feed", "decode_failed")
			f.opts.logger.Warn(ctx, "undecodable row", logger.String("subject", msg.Subject), logger.Error(err))
			return
		}
		s.offer(ev)
	})
	if err != nil {
		s.release = nil
		s.close(nil)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", eventID, err)
	}
	f.subs[s] = ns
	return s, nil
}

// Close drains the subscriptions this feed opened. The connection is owned
// by the caller.
func (f *NATSFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.loseAll()
	return nil
}

func (f *NATSFeed) remove(s *subscription) {
	f.mu.Lock()
	ns, ok := f.subs[s]
	delete(f.subs, s)
	f.mu.Unlock()
	if ok {
		_ = ns.Unsubscribe()
	}
}

func (f *NATSFeed) loseAll() {
	f.mu.Lock()
	all := f.subs
	f.subs = make(map[*subscription]*nats.Subscription)
	f.mu.Unlock()

	for s, ns := range all {
		_ = ns.Unsubscribe()
		s.close(ErrSubscriptionLost)
	}
}
