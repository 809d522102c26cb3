// Package match detects reciprocal votes and decides each participant's
// outcome after a level's match selection.
package match

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/icebreaker/internal/domain/model"
)

// Auto-advance delays, in time units.
const (
	MatchedDelayUnits   = 5
	UnmatchedDelayUnits = 2
)

var (
	// ErrVotesPending means not every active participant has voted yet.
	ErrVotesPending = errors.New("votes pending")
	// ErrInvalidVote rejects self-votes, unknown targets and votes outside
	// the level's match selection.
	ErrInvalidVote = errors.New("invalid vote")
)

// ComputeMatches returns every reciprocal pair in votes. It only runs once
// the vote count equals the active participant count; otherwise it returns
// ErrVotesPending and the caller waits.
//
// A participant who leaves mid-level keeps the counts apart and stalls the
// level. That is accepted behavior.
func ComputeMatches(votes []model.Vote, participants []model.Participant) ([]model.Pair, error) {
	active := model.ActiveParticipants(participants)
	if len(active) == 0 || len(votes) != len(active) {
		return nil, fmt.Errorf("%d of %d voted: %w", len(votes), len(active), ErrVotesPending)
	}

	choice := make(map[string]string, len(votes))
	for _, v := range votes {
		if v.SelectedUserID != nil {
			choice[v.FromUserID] = *v.SelectedUserID
		}
	}

	seen := make(map[model.Pair]struct{})
	pairs := make([]model.Pair, 0)
	for from, to := range choice {
		if from == to || choice[to] != from {
			continue
		}
		p := model.NewPair(from, to)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs, nil
}

// ValidateVote checks a vote against the row and the roster before it is
// written. Uniqueness is left to the store.
func ValidateVote(s model.GameState, v model.Vote, participants []model.Participant) error {
	if s.Phase != model.PhaseMatchSelection || s.Level == nil || *s.Level != v.Level {
		return fmt.Errorf("no match selection open for %s: %w", v.Level, ErrInvalidVote)
	}
	active := model.ActiveParticipants(participants)
	if !hasUser(active, v.FromUserID) {
		return fmt.Errorf("voter %s is not checked in: %w", v.FromUserID, ErrInvalidVote)
	}
	if v.SelectedUserID == nil {
		return nil
	}
	if *v.SelectedUserID == v.FromUserID {
		return fmt.Errorf("self vote: %w", ErrInvalidVote)
	}
	if !hasUser(active, *v.SelectedUserID) {
		return fmt.Errorf("selected %s is not checked in: %w", *v.SelectedUserID, ErrInvalidVote)
	}
	return nil
}

// Outcome is what one participant sees after evaluation.
type Outcome struct {
	UserID      string        `json:"user_id"`
	Level       model.Level   `json:"level,omitempty"`
	Matched     bool          `json:"matched"`
	PartnerID   string        `json:"partner_id,omitempty"`
	PartnerName string        `json:"partner_name,omitempty"`
	Delay       time.Duration `json:"-"`
	DelayMS     int64         `json:"auto_advance_ms"`
}

// Message is the text shown to a matched participant, empty otherwise.
func (o Outcome) Message() string {
	if !o.Matched {
		return ""
	}
	return "matched with " + o.PartnerName
}

// OutcomeFor decides userID's outcome: matched participants wait five time
// units before auto-advancing, the rest two.
func OutcomeFor(userID string, pairs []model.Pair, participants []model.Participant, unit time.Duration) Outcome {
	out := Outcome{UserID: userID, Delay: UnmatchedDelayUnits * unit}
	for _, p := range pairs {
		partner, ok := p.Partner(userID)
		if !ok {
			continue
		}
		out.Matched = true
		out.PartnerID = partner
		out.PartnerName = partner
		for _, pt := range participants {
			if pt.UserID == partner && pt.DisplayName != "" {
				out.PartnerName = pt.DisplayName
			}
		}
		out.Delay = MatchedDelayUnits * unit
		break
	}
	out.DelayMS = out.Delay.Milliseconds()
	return out
}

func hasUser(ps []model.Participant, id string) bool {
	for _, p := range ps {
		if p.UserID == id {
			return true
		}
	}
	return false
}
