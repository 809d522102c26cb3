package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/icebreaker/internal/simulation"
	"github.com/okian/icebreaker/pkg/logger"
)

func main() {
	def := simulation.DefaultConfig()
	var (
		devices   = flag.Int("devices", def.Devices, "Simulated participants")
		seed      = flag.Int64("seed", def.Seed, "Seed for starters and device behavior")
		questions = flag.Int("questions", def.QuestionsPerLevel, "Generated questions per level; 0 keeps the built-in bank")
		matchSel  = flag.Bool("match", def.MatchSelection, "Vote after every level")
		unit      = flag.Duration("unit", def.TimeUnit, "Auto-advance time unit")
		think     = flag.Duration("think", def.MaxThink, "Longest pause between a device's actions")
		timeout   = flag.Duration("timeout", def.Timeout, "Whole run")
		pgDSN     = flag.String("postgres", "", "Postgres DSN for the shared store")
		natsURL   = flag.String("nats", "", "NATS URL for the shared feed")
		logFile   = flag.String("log", "", "Also write logs to this file")
		format    = flag.String("format", "text", "Log format: text or json")
		verbose   = flag.Bool("verbose", false, "Log every device action")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		simulation.ShowHelp()
		return
	}

	closeLog, err := simulation.SetupLogging(*logFile, *format, *verbose)
	if err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := simulation.Config{
		Devices:           *devices,
		Seed:              *seed,
		QuestionsPerLevel: *questions,
		MatchSelection:    *matchSel,
		TimeUnit:          *unit,
		MaxThink:          *think,
		Timeout:           *timeout,
		PostgresDSN:       *pgDSN,
		NATSURL:           *natsURL,
		Verbose:           *verbose,
	}
	if _, err := simulation.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "simulation failed", logger.Error(err))
		stop()
		os.Exit(1)
	}
}
