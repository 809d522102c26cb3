package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/metrics"
)

type voteKey struct {
	eventID string
	level   model.Level
	from    string
}

type roster struct {
	order []string
	byID  map[string]model.Participant
}

// MemoryStore keeps every row in process memory. Each event row is updated
// under one lock, which makes it the serialization point for racing writers.
type MemoryStore struct {
	opts options

	mu           sync.RWMutex
	events       map[string]model.Event
	votes        map[voteKey]model.Vote
	votesByLevel map[string][]voteKey
	rosters      map[string]*roster
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:         o,
		events:       make(map[string]model.Event),
		votes:        make(map[voteKey]model.Vote),
		votesByLevel: make(map[string][]voteKey),
		rosters:      make(map[string]*roster),
	}
}

func (s *MemoryStore) CreateEvent(_ context.Context, ev model.Event) (model.Event, error) {
	defer observe("create_event", time.Now())
	if ev.ID == "" {
		return model.Event{}, fmt.Errorf("empty id: %w", ErrInvalidEvent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return model.Event{}, fmt.Errorf("event %s exists: %w", ev.ID, ErrInvalidEvent)
	}
	ev = ev.Clone()
	if ev.AnsweredUsers == nil {
		ev.AnsweredUsers = []string{}
	}
	ev.Version = 1
	ev.UpdatedAt = s.opts.now()
	s.events[ev.ID] = ev
	metrics.UpdateEventsTotal(len(s.events))
	return ev.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (model.Event, error) {
	defer observe("get", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return model.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, eventID string, patch model.Patch, pre *Precondition) (model.Event, error) {
	defer observe("update", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return model.Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if pre != nil && pre.Version != ev.Version {
		return model.Event{}, fmt.Errorf("event %s at version %d, read %d: %w", eventID, ev.Version, pre.Version, ErrStaleWrite)
	}
	ev.GameState = patch.Apply(ev.GameState)
	ev.Version++
	ev.UpdatedAt = s.opts.now()
	s.events[eventID] = ev
	return ev.Clone(), nil
}

func (s *MemoryStore) InsertVote(_ context.Context, v model.Vote) error {
	defer observe("insert_vote", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[v.EventID]; !ok {
		return fmt.Errorf("event %s: %w", v.EventID, ErrNotFound)
	}
	key := voteKey{eventID: v.EventID, level: v.Level, from: v.FromUserID}
	if _, dup := s.votes[key]; dup {
		return fmt.Errorf("%s already voted %s: %w", v.FromUserID, v.Level, ErrDuplicateVote)
	}
	if v.SelectedUserID != nil {
		v.SelectedUserID = model.Ptr(*v.SelectedUserID)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.opts.now()
	}
	s.votes[key] = v
	lk := v.EventID + "/" + string(v.Level)
	s.votesByLevel[lk] = append(s.votesByLevel[lk], key)
	return nil
}

func (s *MemoryStore) ListVotes(_ context.Context, eventID string, level model.Level) ([]model.Vote, error) {
	defer observe("list_votes", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.votesByLevel[eventID+"/"+string(level)]
	out := make([]model.Vote, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.votes[k])
	}
	return out, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, eventID string) ([]model.Participant, error) {
	defer observe("list_participants", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rosters[eventID]
	if !ok {
		return []model.Participant{}, nil
	}
	out := make([]model.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p model.Participant) error {
	defer observe("upsert_participant", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[p.EventID]; !ok {
		return fmt.Errorf("event %s: %w", p.EventID, ErrNotFound)
	}
	r, ok := s.rosters[p.EventID]
	if !ok {
		r = &roster{byID: make(map[string]model.Participant)}
		s.rosters[p.EventID] = r
	}
	if _, exists := r.byID[p.UserID]; !exists {
		r.order = append(r.order, p.UserID)
	}
	r.byID[p.UserID] = p
	return nil
}

func (s *MemoryStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) Close() error { return nil }

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}
