// Package app builds the stores, notifiers and evaluators shared by the
// long-running monitor and the one-shot tick command.
package app

import (
	"context"
	"fmt"

	"phone-monitor/alerting/internal/config"
	"phone-monitor/alerting/internal/devicealert"
	"phone-monitor/alerting/internal/geofence"
	"phone-monitor/alerting/internal/motion"
	"phone-monitor/alerting/internal/notify"
	"phone-monitor/alerting/internal/rules"
	"phone-monitor/alerting/internal/store"
)

type App struct {
	Config   *config.Config
	Postgres *store.PostgresStore
	Redis    *store.RedisStore

	Notifier  *notify.Dispatcher
	Tracker   *geofence.Tracker
	Scheduler *rules.Scheduler
	Alerts    *devicealert.Alerter
	Outbox    *notify.OutboxSender
}

// Build connects to Postgres and Redis and wires every component.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		pg.Close()
		return nil, err
	}

	a := &App{Config: cfg, Postgres: pg, Redis: rdb}

	a.Notifier = notify.NewDispatcher(cfg.NotifyTimeout, notify.BreakerConfig{},
		notify.NewEmailNotifier(pg, cfg.AdminEmail),
		notify.NewTelegramNotifier(notify.TelegramConfig{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
		}),
		notify.NewDiscordNotifier(notify.DiscordConfig{WebhookURL: cfg.DiscordWebhookURL}),
	)

	var locker geofence.Locker
	if cfg.UseRedisLocks {
		locker = rdb
	}
	a.Tracker = geofence.NewTracker(pg, locker, a.Notifier, cfg.GeofenceChannels,
		geofence.WithBroadcaster(rdb))

	a.Scheduler = rules.NewScheduler(pg, pg, a.Notifier, rdb, rules.Config{
		Workers:       cfg.RuleWorkers,
		NotifyTimeout: cfg.NotifyTimeout,
		TickTimeout:   cfg.TickTimeout,
		Unit:          cfg.SpeedUnit,
		Location:      cfg.Location,
		Estimator:     motion.New(cfg.MaxSegmentGap, cfg.LocationStaleness),
	})

	a.Alerts = devicealert.New(rdb, a.Notifier, rdb, devicealert.Config{
		Channels:            cfg.GeofenceChannels,
		LowBatteryThreshold: cfg.LowBatteryThreshold,
		LowBatteryDedup:     cfg.LowBatteryDedup,
		OfflineAfter:        cfg.OfflineAfter,
	}, cfg.Location)

	a.Outbox = notify.NewOutboxSender(pg, notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Security: cfg.SMTPSecure,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}), notify.DefaultOutboxBatch)

	return a, nil
}

// Cycle returns the scheduled batch over this app's components.
func (a *App) Cycle() *Cycle {
	return &Cycle{
		Offline:       a.Alerts,
		OfflineSource: a.Postgres,
		Rules:         a.Scheduler,
		Outbox:        a.Outbox,
	}
}

// Ping checks both stores.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := a.Redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (a *App) Close() {
	_ = a.Redis.Close()
	a.Postgres.Close()
}
