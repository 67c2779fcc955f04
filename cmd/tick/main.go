// Command tick runs one scheduled cycle (offline sweep, rule evaluation,
// email outbox) and exits. It is meant to be run from cron.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phone-monitor/alerting/internal/app"
	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Error().Err(err).Msg("stores unreachable")
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	// Per-item failures are logged inside the cycle; they do not change the exit status.
	a.Cycle().Run(ctx, time.Now())
}
