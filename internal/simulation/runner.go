package simulation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	app "github.com/okian/icebreaker/internal/app"
	"github.com/okian/icebreaker/internal/client"
	"github.com/okian/icebreaker/internal/domain/model"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
)

const (
	convergencePoll = 10 * time.Millisecond
	natsClientName  = "icebreaker-simulate"
)

// backend is the shared store and feed every device and the host use.
type backend struct {
	store   repository.Store
	feed    feed.Feed
	cleanup func()
}

func openBackend(ctx context.Context, cfg Config) (backend, error) {
	b := backend{cleanup: func() {}}

	if cfg.PostgresDSN != "" {
		db, err := repository.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return b, fmt.Errorf("open postgres: %w", err)
		}
		store, err := repository.NewBunStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return b, fmt.Errorf("postgres store: %w", err)
		}
		b.store = store
	} else {
		b.store = repository.NewMemoryStore()
	}

	if cfg.NATSURL != "" {
		conn, err := feed.ConnectNATS(cfg.NATSURL, natsClientName)
		if err != nil {
			_ = b.store.Close()
			return b, fmt.Errorf("connect nats: %w", err)
		}
		b.feed = feed.NewNATSFeed(conn, feed.WithSubjectPrefix("simulate-"+strconv.FormatInt(cfg.Seed, 36)))
		b.cleanup = conn.Close
	} else {
		b.feed = feed.NewMemoryFeed(feed.WithBufferSize(256))
	}
	return b, nil
}

func rulesFor(cfg Config, seed int64) (phase.Rules, error) {
	catalog := phase.DefaultCatalog()
	if cfg.QuestionsPerLevel > 0 {
		qs := make(map[string][]string, len(model.Levels))
		for _, l := range model.Levels {
			for i := 0; i < cfg.QuestionsPerLevel; i++ {
				qs[string(l)] = append(qs[string(l)], fmt.Sprintf("%s question %d", l, i+1))
			}
		}
		var err error
		if catalog, err = phase.NewCatalog(qs); err != nil {
			return phase.Rules{}, err
		}
	}
	return phase.Rules{Catalog: catalog, Picker: phase.NewRandPicker(seed), MatchSelection: cfg.MatchSelection}, nil
}

// Run plays one event from check-in to the free phase and verifies that
// every device ends on the stored row.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	log := logger.Get().Named("simulation")
	stats := &Stats{Devices: cfg.Devices, StartTime: time.Now()}
	log.Info(ctx, "starting simulated event",
		logger.Int("devices", cfg.Devices),
		logger.Int64("seed", cfg.Seed),
		logger.Bool("matchSelection", cfg.MatchSelection),
		logger.Duration("timeUnit", cfg.TimeUnit))

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer b.cleanup()

	hostRules, err := rulesFor(cfg, cfg.Seed)
	if err != nil {
		return nil, err
	}
	host := app.New(
		app.WithStore(b.store),
		app.WithFeed(b.feed),
		app.WithRules(hostRules),
		app.WithTimeUnit(cfg.TimeUnit),
	)
	if err := host.Start(ctx); err != nil {
		return nil, fmt.Errorf("start host: %w", err)
	}
	defer host.Stop()

	ev, err := host.CreateEvent(ctx, "Simulated mixer", "nowhere", time.Now())
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	roster := make([]string, cfg.Devices)
	for i := range roster {
		roster[i] = "user-" + strconv.Itoa(i)
		p := model.Participant{EventID: ev.ID, UserID: roster[i], DisplayName: "Guest " + strconv.Itoa(i)}
		if err := host.CheckIn(ctx, p); err != nil {
			return nil, fmt.Errorf("check in %s: %w", roster[i], err)
		}
	}

	// Devices write through their own publishing view of the shared store.
	deviceStore := repository.NewNotifyingStore(b.store, b.feed, log)
	counts := &counters{}
	devices := make([]*Device, cfg.Devices)
	for i, userID := range roster {
		seed := cfg.Seed + int64(i) + 1
		rules, err := rulesFor(cfg, seed)
		if err != nil {
			return nil, err
		}
		d := newDevice(userID, roster, seed, cfg.MaxThink, counts, cfg.Verbose)
		d.sync = client.New(deviceStore, b.feed, ev.ID, userID,
			client.WithRules(rules),
			client.WithTimeUnit(cfg.TimeUnit),
			client.WithPollInterval(cfg.TimeUnit),
			client.WithOutcomeHandler(d.recordOutcome),
		)
		devices[i] = d
	}

	pool := NewPool(devices)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = pool.Shutdown(context.Background()) }()

	if _, _, err := host.Begin(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, _, err := host.StartQuestions(ctx, ev.ID); err != nil {
		return nil, fmt.Errorf("start questions: %w", err)
	}

	if err := pool.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	finishedAt := time.Now()

	final, err := awaitConvergence(ctx, host, ev.ID, devices)
	if err != nil {
		return nil, err
	}
	stats.ConvergedAfter = time.Since(finishedAt)
	stats.FinalVersion = final.Version

	if err := verifyOutcomes(ctx, host, ev.ID, devices, cfg.MatchSelection, stats); err != nil {
		return nil, err
	}

	stats.Advances = counts.advances.Load()
	stats.Committed = counts.committed.Load()
	stats.NoOps = counts.noops.Load()
	stats.Answers = counts.answers.Load()
	stats.Votes = counts.votes.Load()
	stats.VotesRejected = counts.votesRejected.Load()
	stats.Outcomes = counts.outcomes.Load()
	stats.ActionErrors = counts.actionErrors.Load()
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	displayFinalStats(ctx, stats)
	return stats, nil
}
