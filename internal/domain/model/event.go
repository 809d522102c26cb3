// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownValue is returned when parsing an enum value that is not defined.
var ErrUnknownValue = errors.New("unknown enum value")

// Phase is the coarse game stage stored in the event row.
type Phase string

const (
	PhaseCountdown      Phase = "countdown"
	PhaseReady          Phase = "ready"
	PhaseQuestions      Phase = "questions"
	PhaseMatchSelection Phase = "match_selection"
	PhaseFree           Phase = "free_phase"
	// PhaseRoulette is written only by the legacy picker flow. It is accepted
	// when reading rows but no transition produces it.
	PhaseRoulette Phase = "roulette"
)

// ParsePhase validates a stored or submitted phase value.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseCountdown, PhaseReady, PhaseQuestions, PhaseMatchSelection, PhaseFree, PhaseRoulette:
		return p, nil
	}
	return "", fmt.Errorf("phase %q: %w", s, ErrUnknownValue)
}

// Level is one of the escalating question tiers.
type Level string

const (
	LevelFun     Level = "fun"
	LevelSensual Level = "sensual"
	LevelDaring  Level = "daring"
)

// Levels lists every level in play order.
var Levels = []Level{LevelFun, LevelSensual, LevelDaring}

// ParseLevel validates a level value.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("level %q: %w", s, ErrUnknownValue)
}

// Next returns the level played after l. ok is false for the terminal level.
func (l Level) Next() (next Level, ok bool) {
	for i, cur := range Levels {
		if cur == l && i+1 < len(Levels) {
			return Levels[i+1], true
		}
	}
	return "", false
}

// Rank is the zero-based play position of l, or -1 when unknown.
func (l Level) Rank() int {
	for i, cur := range Levels {
		if cur == l {
			return i
		}
	}
	return -1
}

// IsLast reports whether l is the terminal level.
func (l Level) IsLast() bool {
	return l.Rank() == len(Levels)-1
}

// GameState is the shared mutable part of an event row.
// Level, QuestionIndex, Question and StarterID are nil when unset.
type GameState struct {
	Phase         Phase    `json:"game_phase"`
	Level         *Level   `json:"current_level"`
	QuestionIndex *int     `json:"current_question_index"`
	Question      *string  `json:"current_question"`
	StarterID     *string  `json:"current_question_starter_id"`
	AnsweredUsers []string `json:"answered_users"`
}

// Position is the part of the game state that identifies "where" the game is.
// Actors send the position they saw so that a transition already performed by
// another device can be detected.
type Position struct {
	Phase Phase  `json:"game_phase"`
	Level *Level `json:"current_level,omitempty"`
	Index *int   `json:"current_question_index,omitempty"`
}

// Position extracts the current position.
func (s GameState) Position() Position {
	return Position{Phase: s.Phase, Level: s.Level, Index: s.QuestionIndex}
}

// Equal reports whether two positions denote the same game step.
func (p Position) Equal(o Position) bool {
	return p.Phase == o.Phase && eqPtr(p.Level, o.Level) && eqPtr(p.Index, o.Index)
}

// HasAnswered reports whether userID is in the answered set.
func (s GameState) HasAnswered(userID string) bool {
	for _, id := range s.AnsweredUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can keep snapshots.
func (s GameState) Clone() GameState {
	out := s
	out.Level = clonePtr(s.Level)
	out.QuestionIndex = clonePtr(s.QuestionIndex)
	out.Question = clonePtr(s.Question)
	out.StarterID = clonePtr(s.StarterID)
	if s.AnsweredUsers != nil {
		out.AnsweredUsers = append([]string(nil), s.AnsweredUsers...)
	}
	return out
}

// Equal compares the game fields of two states. Answered sets compare as sets.
func (s GameState) Equal(o GameState) bool {
	if !s.Position().Equal(o.Position()) || !eqPtr(s.Question, o.Question) || !eqPtr(s.StarterID, o.StarterID) {
		return false
	}
	if len(s.AnsweredUsers) != len(o.AnsweredUsers) {
		return false
	}
	for _, id := range s.AnsweredUsers {
		if !o.HasAnswered(id) {
			return false
		}
	}
	return true
}

// Event is one scheduled gathering and its game-state row.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Location  string    `json:"location"`
	StartsAt  time.Time `json:"starts_at"`
	GameState           // embedded game fields
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEvent returns an event in its initial countdown phase.
func NewEvent(id, title, location string, startsAt time.Time) Event {
	return Event{
		ID:        id,
		Title:     title,
		Location:  location,
		StartsAt:  startsAt,
		GameState: GameState{Phase: PhaseCountdown, AnsweredUsers: []string{}},
	}
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.GameState = e.GameState.Clone()
	return out
}

// Participant is an attendee as seen by the game core. The roster is owned
// elsewhere; the core only reads it.
type Participant struct {
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	CheckedIn   bool   `json:"checked_in"`
	Presented   bool   `json:"presented"`
}

// ActiveParticipants filters the roster to checked-in attendees.
func ActiveParticipants(all []Participant) []Participant {
	out := make([]Participant, 0, len(all))
	for _, p := range all {
		if p.CheckedIn {
			out = append(out, p)
		}
	}
	return out
}

// Vote is one anonymous per-level preference.
// SelectedUserID is nil for "no selection".
type Vote struct {
	EventID        string    `json:"event_id"`
	Level          Level     `json:"level"`
	FromUserID     string    `json:"from_user_id"`
	SelectedUserID *string   `json:"selected_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Pair is an unordered reciprocal match, normalized so that A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair builds a normalized pair.
func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Partner returns the other member of the pair and whether userID is in it.
func (p Pair) Partner(userID string) (string, bool) {
	switch userID {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return "", false
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
