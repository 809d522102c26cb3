package simulation

import (
	"context"
	"fmt"
	"time"

	app "github.com/okian/icebreaker/internal/app"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/pkg/logger"
)

// awaitConvergence waits until every device holds the stored row.
func awaitConvergence(ctx context.Context, host *app.Service, eventID string, devices []*Device) (model.Event, error) {
	for {
		stored, err := host.Get(ctx, eventID)
		if err != nil {
			return model.Event{}, fmt.Errorf("read final row: %w", err)
		}
		if stored.Phase != model.PhaseFree {
			return stored, fmt.Errorf("%w: stored phase is %s", ErrIncomplete, stored.Phase)
		}
		lagging := ""
		for _, d := range devices {
			st := d.sync.State()
			if st.Version != stored.Version || !st.GameState.Equal(stored.GameState) {
				lagging = d.userID
				break
			}
		}
		if lagging == "" {
			return stored, nil
		}

		select {
		case <-ctx.Done():
			return stored, fmt.Errorf("%w: %s still behind version %d", ErrDiverged, lagging, stored.Version)
		case <-time.After(convergencePoll):
		}
	}
}

// verifyOutcomes checks every outcome a device saw against the pairs the
// host computes from the stored votes. A device that moved on before it
// evaluated a level has no outcome for it.
func verifyOutcomes(ctx context.Context, host *app.Service, eventID string, devices []*Device, matchSelection bool, stats *Stats) error {
	if !matchSelection {
		return nil
	}
	for _, level := range model.Levels {
		pairs, err := host.Matches(ctx, eventID, level)
		if err != nil {
			return fmt.Errorf("matches for %s: %w", level, err)
		}
		stats.LevelsMatched++
		stats.PairsFormed += len(pairs)

		for _, d := range devices {
			out, ok := d.Outcomes()[level]
			if !ok {
				continue
			}
			partner := ""
			for _, p := range pairs {
				if other, in := p.Partner(d.userID); in {
					partner = other
				}
			}
			if out.Matched != (partner != "") || out.PartnerID != partner {
				return fmt.Errorf("%w: %s saw partner %q on %s, votes say %q", ErrDiverged, d.userID, out.PartnerID, level, partner)
			}
		}
		logger.Get().Debug(ctx, "level verified", logger.String("level", string(level)), logger.Int("pairs", len(pairs)))
	}
	return nil
}

// displayFinalStats logs the run statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var noopRate float64
	if stats.Advances > 0 {
		noopRate = float64(stats.NoOps) / float64(stats.Advances) * percentageMultiplier
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("devices", stats.Devices),
		logger.Int64("advances", stats.Advances),
		logger.Int64("committed", stats.Committed),
		logger.Int64("noOps", stats.NoOps),
		logger.Float64("noOpRate", noopRate),
		logger.Int64("answers", stats.Answers),
		logger.Int64("votes", stats.Votes),
		logger.Int64("votesRejected", stats.VotesRejected),
		logger.Int64("outcomes", stats.Outcomes),
		logger.Int64("actionErrors", stats.ActionErrors),
		logger.Int("pairsFormed", stats.PairsFormed),
		logger.Int64("finalVersion", stats.FinalVersion),
		logger.Duration("convergedAfter", stats.ConvergedAfter),
		logger.Duration("duration", stats.Duration))
}
