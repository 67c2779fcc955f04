package app

import (
	"context"
	"time"

	"phone-monitor/alerting/internal/devicealert"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/rules"
)

type OfflineSweeper interface {
	SweepOffline(ctx context.Context, src devicealert.OfflineSource, now time.Time) (int, error)
}

type RuleTicker interface {
	Tick(ctx context.Context, now time.Time) ([]rules.FiringResult, rules.TickStats)
}

type OutboxFlusher interface {
	SendPending(ctx context.Context) (sent, failed int, err error)
}

// CycleStats is the summary of one scheduled cycle.
type CycleStats struct {
	Offline    int
	Rules      rules.TickStats
	EmailsSent int
	EmailsFail int
	// Errors counts steps that could not run at all.
	Errors int
}

// Cycle is the scheduled batch: offline sweep, rule tick, then the email
// outbox so alerts raised in this cycle go out in the same run.
type Cycle struct {
	Offline       OfflineSweeper
	OfflineSource devicealert.OfflineSource
	Rules         RuleTicker
	Outbox        OutboxFlusher
}

// Run executes every step. A failing step is logged and does not stop the
// ones after it.
func (c *Cycle) Run(ctx context.Context, now time.Time) CycleStats {
	log := logging.Ctx(ctx)
	var st CycleStats

	if c.Offline != nil && c.OfflineSource != nil {
		n, err := c.Offline.SweepOffline(ctx, c.OfflineSource, now)
		if err != nil {
			st.Errors++
			log.Error().Err(err).Msg("offline sweep failed")
		}
		st.Offline = n
	}

	if c.Rules != nil {
		_, st.Rules = c.Rules.Tick(ctx, now)
	}

	if c.Outbox != nil {
		sent, failed, err := c.Outbox.SendPending(ctx)
		if err != nil {
			st.Errors++
			log.Error().Err(err).Msg("email outbox flush failed")
		}
		st.EmailsSent, st.EmailsFail = sent, failed
	}

	log.Info().
		Int("offline_alerts", st.Offline).
		Int("rules_fired", st.Rules.Fired).
		Int("rule_failures", st.Rules.Failures).
		Int("emails_sent", st.EmailsSent).
		Int("emails_failed", st.EmailsFail).
		Int("errors", st.Errors).
		Msg("cycle complete")
	return st
}
