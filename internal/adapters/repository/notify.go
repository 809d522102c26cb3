package repository

import (
	"context"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/logger"
)

// NotifyingStore publishes every committed event row after the write
// returns. A failed publish is logged and does not fail the write; readers
// recover through their next restore.
type NotifyingStore struct {
	Store
	pub    feed.Publisher
	logger logger.Logger
}

// NewNotifyingStore wraps s so that commits reach pub.
func NewNotifyingStore(s Store, pub feed.Publisher, l logger.Logger) *NotifyingStore {
	if l == nil {
		l = logger.Get().Named("store")
	}
	return &NotifyingStore{Store: s, pub: pub, logger: l}
}

func (n *NotifyingStore) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	out, err := n.Store.CreateEvent(ctx, ev)
	if err != nil {
		return out, err
	}
	n.publish(ctx, out)
	return out, nil
}

func (n *NotifyingStore) Update(ctx context.Context, eventID string, patch model.Patch, pre *Precondition) (model.Event, error) {
	out, err := n.Store.Update(ctx, eventID, patch, pre)
	if err != nil {
		return out, err
	}
	n.publish(ctx, out)
	return out, nil
}

func (n *NotifyingStore) publish(ctx context.Context, ev model.Event) {
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.logger.Warn(ctx, "commit not published",
			logger.String("eventID", ev.ID),
			logger.Int64("version", ev.Version),
			logger.Error(err),
		)
	}
}
