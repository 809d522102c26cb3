// Package repository defines the event state store contract and its
// in-memory and PostgreSQL implementations.
package repository

import (
	"context"

	"github.com/okian/icebreaker/internal/domain/model"
)

// Precondition makes an update conditional on the row version the caller read.
type Precondition struct {
	Version int64
}

// Store provides read/write access to event rows, votes and the roster.
type Store interface {
	// CreateEvent inserts a new event row. Version starts at 1.
	CreateEvent(ctx context.Context, ev model.Event) (model.Event, error)

	// Get returns the event row. Returns ErrNotFound if the event is unknown.
	Get(ctx context.Context, eventID string) (model.Event, error)

	// Update applies patch to the row and bumps its version. With a non-nil
	// precondition the write is rejected with ErrStaleWrite when the stored
	// version differs. Without one the last writer wins.
	Update(ctx context.Context, eventID string, patch model.Patch, pre *Precondition) (model.Event, error)

	// InsertVote appends a vote. Returns ErrDuplicateVote if the voter
	// already voted for this event and level; the stored vote is unchanged.
	InsertVote(ctx context.Context, v model.Vote) error

	// ListVotes returns the votes of one level in insertion order.
	ListVotes(ctx context.Context, eventID string, level model.Level) ([]model.Vote, error)

	// ListParticipants returns the event roster in check-in order.
	ListParticipants(ctx context.Context, eventID string) ([]model.Participant, error)

	// UpsertParticipant creates or replaces a roster entry.
	UpsertParticipant(ctx context.Context, p model.Participant) error

	// Count returns the number of events.
	Count(ctx context.Context) int

	Close() error
}
