// Package phase holds the pure transition rules of the icebreaker game.
//
// Rules never touch a store. Every operation takes the state as read plus the
// live roster and returns the patch to commit. Committing, retrying and
// publishing live in the app service; devices run the same rules to predict
// the outcome of their own actions.
package phase

import (
	"fmt"

	"github.com/okian/icebreaker/internal/domain/model"
)

// Kind names a transition for logs and metrics.
type Kind string

const (
	KindBegin          Kind = "begin"
	KindStart          Kind = "start"
	KindAdvance        Kind = "advance"
	KindNextLevel      Kind = "next_level"
	KindMatchSelection Kind = "match_selection"
	KindFree           Kind = "free_phase"
	KindAnswered       Kind = "answered"
)

// Transition is a computed, not yet committed, state change.
type Transition struct {
	Kind  Kind
	Patch model.Patch
}

// Rules configures the game flow.
type Rules struct {
	Catalog Catalog
	Picker  Picker
	// MatchSelection votes on every level before moving on.
	MatchSelection bool
	// RequireAllAnswered blocks Advance until every active participant answered.
	RequireAllAnswered bool
}

// NewRules returns rules with the default catalog and a clock-seeded picker.
func NewRules() Rules {
	return Rules{Catalog: DefaultCatalog(), Picker: NewTimePicker(), MatchSelection: true}
}

// Begin closes check-in and starts presentations: countdown -> ready.
func (r Rules) Begin(s model.GameState) (Transition, error) {
	if s.Phase != model.PhaseCountdown {
		return Transition{}, fmt.Errorf("begin from %s: %w", s.Phase, ErrInvalidTransition)
	}
	return Transition{Kind: KindBegin, Patch: model.Patch{Phase: model.Ptr(model.PhaseReady)}}, nil
}

// StartQuestions opens the first question of the first level: ready -> questions.
func (r Rules) StartQuestions(s model.GameState, participants []model.Participant) (Transition, error) {
	if s.Phase != model.PhaseReady {
		return Transition{}, fmt.Errorf("start from %s: %w", s.Phase, ErrInvalidTransition)
	}
	starter, err := r.pickStarter(participants)
	if err != nil {
		return Transition{}, err
	}
	p, err := r.openLevel(model.Levels[0], starter)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Kind: KindStart, Patch: p}, nil
}

// Advance moves to the next question. At the end of a level it opens the
// next level, or match selection when enabled, and after the last level it
// ends in the free phase.
func (r Rules) Advance(s model.GameState, participants []model.Participant) (Transition, error) {
	if s.Phase != model.PhaseQuestions || s.Level == nil || s.QuestionIndex == nil {
		return Transition{}, fmt.Errorf("advance from %s: %w", s.Phase, ErrInvalidTransition)
	}
	active := model.ActiveParticipants(participants)
	if len(active) == 0 {
		return Transition{}, ErrParticipantListEmpty
	}
	if r.RequireAllAnswered {
		for _, p := range active {
			if !s.HasAnswered(p.UserID) {
				return Transition{}, fmt.Errorf("%s has not answered: %w", p.UserID, ErrNotAllAnswered)
			}
		}
	}

	level, next := *s.Level, *s.QuestionIndex+1
	if q, ok := r.Catalog.Question(level, next); ok {
		starter := active[r.Picker.Intn(len(active))].UserID
		return Transition{Kind: KindAdvance, Patch: model.Patch{
			QuestionIndex: model.Ptr(next),
			Question:      model.Ptr(q),
			StarterID:     model.Ptr(starter),
			ResetAnswered: true,
		}}, nil
	}

	if r.MatchSelection {
		return Transition{Kind: KindMatchSelection, Patch: model.Patch{
			Phase:         model.Ptr(model.PhaseMatchSelection),
			ResetAnswered: true,
		}}, nil
	}
	return r.finishLevel(level, active)
}

// Continue leaves match selection for the next level, or the free phase
// after the last level.
func (r Rules) Continue(s model.GameState, participants []model.Participant) (Transition, error) {
	if s.Phase != model.PhaseMatchSelection || s.Level == nil {
		return Transition{}, fmt.Errorf("continue from %s: %w", s.Phase, ErrInvalidTransition)
	}
	active := model.ActiveParticipants(participants)
	if len(active) == 0 {
		return Transition{}, ErrParticipantListEmpty
	}
	return r.finishLevel(*s.Level, active)
}

// MarkAnswered records that userID answered the current question.
func MarkAnswered(s model.GameState, userID string) (Transition, error) {
	if s.Phase != model.PhaseQuestions {
		return Transition{}, fmt.Errorf("answer in %s: %w", s.Phase, ErrInvalidTransition)
	}
	return Transition{Kind: KindAnswered, Patch: model.Patch{AddAnswered: userID}}, nil
}

func (r Rules) finishLevel(level model.Level, active []model.Participant) (Transition, error) {
	next, ok := level.Next()
	if !ok {
		return Transition{Kind: KindFree, Patch: model.Patch{
			ClearRound: true,
			Phase:      model.Ptr(model.PhaseFree),
		}}, nil
	}
	p, err := r.openLevel(next, active[r.Picker.Intn(len(active))].UserID)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Kind: KindNextLevel, Patch: p}, nil
}

func (r Rules) openLevel(level model.Level, starter string) (model.Patch, error) {
	q, ok := r.Catalog.Question(level, 0)
	if !ok {
		return model.Patch{}, fmt.Errorf("level %s has no questions: %w", level, ErrInvalidTransition)
	}
	return model.Patch{
		Phase:         model.Ptr(model.PhaseQuestions),
		Level:         model.Ptr(level),
		QuestionIndex: model.Ptr(0),
		Question:      model.Ptr(q),
		StarterID:     model.Ptr(starter),
		ResetAnswered: true,
	}, nil
}

func (r Rules) pickStarter(participants []model.Participant) (string, error) {
	active := model.ActiveParticipants(participants)
	if len(active) == 0 {
		return "", ErrParticipantListEmpty
	}
	return active[r.Picker.Intn(len(active))].UserID, nil
}
