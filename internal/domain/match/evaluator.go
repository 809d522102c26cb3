package match

import (
	"context"
	"errors"

	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/metrics"
)

// Evaluator runs ComputeMatches at most once per (event, level) for the
// lifetime of its guard.
type Evaluator struct {
	guard dedupe.Guard
}

// NewEvaluator creates an evaluator over guard. A nil guard gets a private
// in-memory one.
func NewEvaluator(guard dedupe.Guard) *Evaluator {
	if guard == nil {
		guard = dedupe.NewMemoryGuard(0)
	}
	return &Evaluator{guard: guard}
}

// Evaluate computes the level's pairs when every participant has voted and
// nobody evaluated it before. ran is false when the votes are still pending
// or the level was already evaluated; pairs is nil then.
func (e *Evaluator) Evaluate(ctx context.Context, eventID string, level model.Level,
	votes []model.Vote, participants []model.Participant,
) (pairs []model.Pair, ran bool, err error) {
	pairs, err = ComputeMatches(votes, participants)
	if errors.Is(err, ErrVotesPending) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	seen, err := e.guard.SeenAndRecord(ctx, dedupe.Key(eventID, level))
	if err != nil {
		return nil, false, err
	}
	if seen {
		return nil, false, nil
	}
	metrics.RecordMatchEvaluation(len(pairs))
	return pairs, true, nil
}

// Forget releases the (event, level) claim so it can be evaluated again.
func (e *Evaluator) Forget(ctx context.Context, eventID string, level model.Level) error {
	return e.guard.Unrecord(ctx, dedupe.Key(eventID, level))
}
