package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phone-monitor/alerting/internal/app"
	"phone-monitor/alerting/internal/auth"
	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/motion"
	"phone-monitor/alerting/internal/pipeline"
	"phone-monitor/alerting/internal/store"
	"phone-monitor/alerting/internal/supervisor"
	httpapi "phone-monitor/alerting/internal/transport/http"
	"phone-monitor/alerting/internal/transport/ws"
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
		logging.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	tree := supervisor.NewTree(logging.Logger(), supervisor.DefaultTreeConfig())

	// Ingestion pipeline
	dispatcher := pipeline.NewDispatcher(cfg.LocationChannelSize, cfg.StateChannelSize, cfg.GeofenceChannelSize)
	for i := 0; i < cfg.LocationWriterWorkers; i++ {
		w := pipeline.NewLocationWriter(dispatcher.LocationChan, a.Postgres, cfg.LocationBatchSize, cfg.LocationFlushIntervalMS)
		tree.AddPipelineService(supervisor.NewRunner("location-writer", w.Run))
	}
	for i := 0; i < cfg.StateWriterWorkers; i++ {
		w := pipeline.NewStateWriter(dispatcher.StateChan, a.Redis)
		tree.AddPipelineService(supervisor.NewRunner("state-writer", w.Run))
	}
	for i := 0; i < cfg.GeofenceWorkers; i++ {
		w := pipeline.NewGeofenceWorker(dispatcher.GeofenceChan, a.Postgres, a.Tracker, a.Alerts)
		tree.AddPipelineService(supervisor.NewRunner("geofence-worker", w.Run))
	}

	// Scheduled cycle
	cycle := a.Cycle()
	tree.AddJob(supervisor.NewPeriodic("rule-cycle", cfg.RuleInterval, cfg.TickTimeout,
		func(ctx context.Context, now time.Time) { cycle.Run(ctx, now) }))

	// Live alert stream
	hub := ws.NewHub()
	tree.AddAPIService(supervisor.NewRunner("ws-hub", func(ctx context.Context) { _ = hub.Run(ctx) }))
	tree.AddAPIService(supervisor.NewRunner("alert-relay", func(ctx context.Context) {
		sub := a.Redis.Client().PSubscribe(ctx, store.AlertPattern())
		defer sub.Close()
		if err := hub.Relay(ctx, sub.Channel()); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Msg("alert relay stopped")
		}
	}))

	router := httpapi.NewRouter(httpapi.Deps{
		Auth:         auth.NewAuthenticator(cfg, a.Redis),
		Devices:      a.Postgres,
		Pipeline:     dispatcher,
		Admin:        a.Postgres,
		Stream:       hub.ServeWS,
		Health:       []httpapi.HealthChecker{a.Postgres, a.Redis},
		AdminAPIKey:  cfg.AdminAPIKey,
		PingInterval: cfg.PingInterval,
		Samples:      a.Postgres,
		Estimator:    motion.New(cfg.MaxSegmentGap, cfg.LocationStaleness),
		SpeedUnit:    cfg.SpeedUnit,
	})
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))

	logging.Info().Str("addr", server.Addr).Msg("phone monitor starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor stopped")
	}
	logging.Info().Msg("phone monitor stopped")
}
