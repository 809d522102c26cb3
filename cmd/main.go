package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/icebreaker/internal/adapters/http/api"
	"github.com/okian/icebreaker/internal/adapters/http/swagger"
	"github.com/okian/icebreaker/internal/adapters/mq/feed"
	"github.com/okian/icebreaker/internal/adapters/repository"
	app "github.com/okian/icebreaker/internal/app"
	"github.com/okian/icebreaker/internal/config"
	"github.com/okian/icebreaker/internal/domain/dedupe"
	"github.com/okian/icebreaker/internal/domain/phase"
	"github.com/okian/icebreaker/pkg/logger"
	"github.com/okian/icebreaker/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTP server timeout constants. There is no write timeout: the live
// endpoint holds its connection for the whole event.
const (
	readTimeout               = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
	natsClientName            = "icebreaker"
)

func main() {
	// We collect our own system metrics instead of the default collectors.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// Logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.InitWithWriter(os.Stdout, cfg.LogFormat); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			os.Stderr.WriteString("failed to sync logger: " + err.Error() + "\n")
		}
	}()

	loggerInstance := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		loggerInstance.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if cfg.JWTSecret == config.DevJWTSecret {
		loggerInstance.Warn(ctx, "using the development jwt_secret; set ICEBREAKER_JWT_SECRET")
	}

	if err := run(ctx, cfg, loggerInstance); err != nil {
		loggerInstance.Error(ctx, "icebreaker stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

// run builds the backends, serves HTTP until ctx is done and shuts down.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	opts, cleanup, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := newService(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer svc.Stop()

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, cfg, svc),
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.Store),
			logger.String("feed", cfg.Feed),
			logger.String("guard", cfg.Guard))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// buildBackends opens the store, feed and guard selected by cfg. cleanup
// releases client connections the service does not own.
func buildBackends(ctx context.Context, cfg *config.Config) (opts []app.Option, cleanup func(), err error) {
	var closers []func()
	cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	switch cfg.Store {
	case config.BackendPostgres:
		db, err := repository.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open postgres: %w", err)
		}
		store, err := repository.NewBunStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, cleanup, fmt.Errorf("postgres store: %w", err)
		}
		opts = append(opts, app.WithStore(store))
	default:
		opts = append(opts, app.WithStore(repository.NewMemoryStore()))
	}

	feedOpts := []feed.Option{feed.WithBufferSize(cfg.FeedBuffer), feed.WithSubjectPrefix(cfg.NATSSubjectPrefix)}
	switch cfg.Feed {
	case config.BackendNATS:
		conn, err := feed.ConnectNATS(cfg.NATSURL, natsClientName)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect nats: %w", err)
		}
		closers = append(closers, conn.Close)
		opts = append(opts, app.WithFeed(feed.NewNATSFeed(conn, feedOpts...)))
	default:
		opts = append(opts, app.WithFeed(feed.NewMemoryFeed(feedOpts...)))
	}

	switch cfg.Guard {
	case config.BackendRedis:
		client, err := dedupe.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts, app.WithGuard(dedupe.NewRedisGuard(client, dedupe.WithTTL(cfg.GuardTTL()))))
	default:
		opts = append(opts, app.WithGuard(dedupe.NewMemoryGuard(cfg.GuardSize)))
	}
	return opts, cleanup, nil
}

// newService applies the game rules from cfg and starts the service.
func newService(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...app.Option) (*app.Service, error) {
	catalog, err := phase.NewCatalog(cfg.Questions)
	if err != nil {
		return nil, fmt.Errorf("question catalog: %w", err)
	}
	rules := phase.Rules{
		Catalog:            catalog,
		Picker:             phase.NewTimePicker(),
		MatchSelection:     cfg.MatchSelection,
		RequireAllAnswered: cfg.RequireAllAnswered,
	}
	opts = append(opts,
		app.WithLogger(log),
		app.WithRules(rules),
		app.WithMaxRetries(cfg.MaxAdvanceRetries),
		app.WithTimeUnit(cfg.TimeUnit()),
		app.WithGuardSize(cfg.GuardSize),
	)
	svc := app.New(opts...)
	if err := svc.Start(ctx); err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	return svc, nil
}

// newMux registers the API and docs routes.
func newMux(ctx context.Context, cfg *config.Config, svc *app.Service) *http.ServeMux {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	apiServer := api.NewServer(svc, svc, api.NewIdentity(cfg.JWTSecret), api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	apiServer.Register(ctx, mux)
	return mux
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the service gauges on a ticker.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics. GetStats refreshes
// the events gauge as a side effect.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()
	if total, ok := stats["totalEvents"].(int); ok {
		metrics.UpdateEventsTotal(total)
	}
}
