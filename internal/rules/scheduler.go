// Package rules runs periodic alert-rule evaluation with exactly-once firing
// per cooldown window.
package rules

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"phone-monitor/alerting/internal/condition"
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
	"phone-monitor/alerting/internal/motion"
)

// RuleStore is the rule persistence the scheduler needs.
type RuleStore interface {
	// ListEnabledRules returns enabled rules ordered by ascending id.
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	// TryAdvanceCooldown sets last_triggered_at to now only if the rule is out
	// of cooldown, atomically. It returns false when another evaluator won.
	TryAdvanceCooldown(ctx context.Context, ruleID int64, now time.Time) (bool, error)
	RecordTrigger(ctx context.Context, t *domain.AlertTrigger) error
}

// DeviceSource reads the device registry and location history. GetDevice
// returns nil, nil for an unknown id.
type DeviceSource interface {
	GetDevice(ctx context.Context, id int64) (*domain.Device, error)
	ListMonitoredDevices(ctx context.Context) ([]domain.Device, error)
	// RecentSamples returns samples captured at or after since, newest first.
	RecentSamples(ctx context.Context, deviceID int64, since time.Time) ([]motion.Sample, error)
}

type Sink interface {
	Deliver(ctx context.Context, channel domain.Channel, device *domain.Device, msg domain.Message) bool
}

type Broadcaster interface {
	BroadcastAlert(ctx context.Context, a domain.AlertBroadcast) error
}

type Config struct {
	// Workers bounds how many rules are evaluated at once.
	Workers       int
	NotifyTimeout time.Duration
	TickTimeout   time.Duration
	Unit          motion.Unit
	// Location is used for hour_of_day and day_of_week.
	Location  *time.Location
	Estimator motion.Estimator
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 2 * time.Minute
	}
	if c.Unit == "" {
		c.Unit = motion.Kmh
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	c.Estimator = motion.New(c.Estimator.MaxSegmentGap, c.Estimator.Staleness)
	return c
}

// FiringResult is one rule firing for one device.
type FiringResult struct {
	RuleID      int64
	RuleName    string
	DeviceID    int64
	Reason      string
	Actions     map[domain.Channel]bool
	TriggeredAt time.Time
}

// TickStats summarizes a tick. Failures counts every swallowed store or
// delivery error.
type TickStats struct {
	Rules     int
	Skipped   int
	Evaluated int
	Fired     int
	Conflicts int
	Failures  int
}

func (s *TickStats) add(o TickStats) {
	s.Skipped += o.Skipped
	s.Evaluated += o.Evaluated
	s.Fired += o.Fired
	s.Conflicts += o.Conflicts
	s.Failures += o.Failures
}

type Scheduler struct {
	rules   RuleStore
	devices DeviceSource
	sink    Sink
	bus     Broadcaster
	cfg     Config
}

func NewScheduler(rules RuleStore, devices DeviceSource, sink Sink, bus Broadcaster, cfg Config) *Scheduler {
	return &Scheduler{
		rules:   rules,
		devices: devices,
		sink:    sink,
		bus:     bus,
		cfg:     cfg.withDefaults(),
	}
}

// Tick evaluates every enabled rule once at now. Per-rule and per-device
// failures never abort the tick; they are logged and counted.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]FiringResult, TickStats) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()
	log := logging.Ctx(ctx)

	var stats TickStats
	rules, err := s.rules.ListEnabledRules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list enabled rules")
		stats.Failures++
		metrics.TickFailures.Inc()
		return nil, stats
	}
	slices.SortFunc(rules, func(a, b domain.AlertRule) int { return cmp.Compare(a.ID, b.ID) })
	stats.Rules = len(rules)

	tc := &tickCache{sched: s, now: now, speeds: make(map[int64]*float64)}

	var (
		mu      sync.Mutex
		results []FiringResult
		g       errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for i := range rules {
		rule := rules[i]
		g.Go(func() error {
			fired, rs := s.evaluateRule(ctx, tc, &rule, now)
			mu.Lock()
			results = append(results, fired...)
			stats.add(rs)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b FiringResult) int {
		if c := cmp.Compare(a.RuleID, b.RuleID); c != 0 {
			return c
		}
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	if stats.Failures > 0 {
		metrics.TickFailures.Add(float64(stats.Failures))
	}

	log.Info().
		Int("rules", stats.Rules).
		Int("skipped", stats.Skipped).
		Int("evaluated", stats.Evaluated).
		Int("fired", stats.Fired).
		Int("conflicts", stats.Conflicts).
		Int("failures", stats.Failures).
		Dur("took", time.Since(start)).
		Msg("rule tick complete")
	return results, stats
}

func (s *Scheduler) evaluateRule(ctx context.Context, tc *tickCache, rule *domain.AlertRule, now time.Time) ([]FiringResult, TickStats) {
	var st TickStats
	log := logging.Ctx(ctx).With().Int64("rule_id", rule.ID).Logger()

	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("tick deadline reached before rule was evaluated")
		st.Failures++
		return nil, st
	}
	if rule.CoolingDown(now) {
		st.Skipped++
		return nil, st
	}

	devices, err := tc.resolve(ctx, rule)
	if err != nil {
		log.Error().Err(err).Msg("resolve devices")
		st.Failures++
		return nil, st
	}

	type match struct {
		device   domain.Device
		snapshot condition.Snapshot
	}
	var matches []match
	for _, d := range devices {
		snap, err := tc.snapshot(ctx, &d)
		if err != nil {
			log.Warn().Err(err).Int64("device_id", d.ID).Msg("speed unavailable, evaluating without it")
			st.Failures++
		}
		st.Evaluated++
		metrics.RuleEvaluations.Inc()
		if condition.EvaluateTree(rule.Conditions, snap) {
			matches = append(matches, match{device: d, snapshot: snap})
		}
	}
	if len(matches) == 0 {
		return nil, st
	}

	won, err := s.rules.TryAdvanceCooldown(ctx, rule.ID, now)
	if err != nil {
		log.Error().Err(err).Msg("advance cooldown")
		st.Failures++
		return nil, st
	}
	if !won {
		log.Info().Msg("rule already fired by a concurrent evaluator")
		st.Conflicts++
		metrics.CooldownConflicts.Inc()
		return nil, st
	}
	metrics.RuleFirings.Inc()

	results := make([]FiringResult, 0, len(matches))
	for _, m := range matches {
		res, failures := s.fire(ctx, rule, &m.device, m.snapshot, now)
		st.Failures += failures
		st.Fired++
		results = append(results, res)
	}
	return results, st
}

// fire delivers one rule firing for one device and records the trigger with
// the channels that actually succeeded.
func (s *Scheduler) fire(ctx context.Context, rule *domain.AlertRule, device *domain.Device, snap condition.Snapshot, now time.Time) (FiringResult, int) {
	log := logging.Ctx(ctx).With().Int64("rule_id", rule.ID).Int64("device_id", device.ID).Logger()
	failures := 0

	reason := BuildReason(rule, device, snap)
	msg := domain.Message{
		Kind:    domain.KindCustomAlert,
		Subject: "Alert: " + rule.Name,
		Body:    reason,
	}

	actions := make(map[domain.Channel]bool, len(rule.Actions))
	for _, ch := range rule.Actions {
		ok := s.deliver(ctx, ch, device, msg)
		actions[ch] = ok
		if !ok {
			log.Warn().Str("channel", string(ch)).Msg("alert delivery failed")
			failures++
		}
	}

	trigger := &domain.AlertTrigger{
		RuleID:       rule.ID,
		DeviceID:     device.ID,
		Reason:       reason,
		ActionsTaken: actions,
		TriggeredAt:  now,
	}
	if err := s.rules.RecordTrigger(ctx, trigger); err != nil {
		log.Error().Err(err).Msg("record trigger")
		failures++
	}

	if s.bus != nil {
		rid := rule.ID
		err := s.bus.BroadcastAlert(ctx, domain.AlertBroadcast{
			ID:       uuid.NewString(),
			Kind:     domain.KindCustomAlert,
			DeviceID: device.ID,
			RuleID:   &rid,
			Subject:  msg.Subject,
			Body:     reason,
			At:       now,
		})
		if err != nil {
			log.Warn().Err(err).Msg("alert broadcast failed")
		}
	}

	log.Info().Str("rule", rule.Name).Msg("rule fired")
	return FiringResult{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		DeviceID:    device.ID,
		Reason:      reason,
		Actions:     actions,
		TriggeredAt: now,
	}, failures
}

func (s *Scheduler) deliver(ctx context.Context, ch domain.Channel, device *domain.Device, msg domain.Message) bool {
	if s.sink == nil {
		return false
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	return s.sink.Deliver(dctx, ch, device, msg)
}

// tickCache memoizes per-tick reads shared across rules.
type tickCache struct {
	sched *Scheduler
	now   time.Time

	monitoredOnce sync.Once
	monitored     []domain.Device
	monitoredErr  error

	mu     sync.Mutex
	speeds map[int64]*float64
}

// resolve returns the devices a rule applies to. A scoped rule whose device is
// missing, revoked or without consent resolves to nothing.
func (tc *tickCache) resolve(ctx context.Context, rule *domain.AlertRule) ([]domain.Device, error) {
	if rule.DeviceID != nil {
		d, err := tc.sched.devices.GetDevice(ctx, *rule.DeviceID)
		if err != nil {
			return nil, err
		}
		if d == nil || !d.Monitored() {
			return nil, nil
		}
		return []domain.Device{*d}, nil
	}
	tc.monitoredOnce.Do(func() {
		tc.monitored, tc.monitoredErr = tc.sched.devices.ListMonitoredDevices(ctx)
	})
	return tc.monitored, tc.monitoredErr
}

func (tc *tickCache) snapshot(ctx context.Context, d *domain.Device) (condition.Snapshot, error) {
	speed, err := tc.speed(ctx, d.ID)
	return SnapshotFor(d, speed, tc.now, tc.sched.cfg), err
}

func (tc *tickCache) speed(ctx context.Context, deviceID int64) (*float64, error) {
	tc.mu.Lock()
	if v, ok := tc.speeds[deviceID]; ok {
		tc.mu.Unlock()
		return v, nil
	}
	tc.mu.Unlock()

	est := tc.sched.cfg.Estimator
	since := tc.now.Add(-(est.Staleness + est.MaxSegmentGap))
	samples, err := tc.sched.devices.RecentSamples(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}

	var speed *float64
	if v, ok := est.InstantaneousSpeed(samples, tc.now); ok {
		speed = &v
	}
	tc.mu.Lock()
	tc.speeds[deviceID] = speed
	tc.mu.Unlock()
	return speed, nil
}

// SnapshotFor builds the condition snapshot for a device at now.
func SnapshotFor(d *domain.Device, speedKmh *float64, now time.Time, cfg Config) condition.Snapshot {
	return condition.Snapshot{
		Now:              now,
		Location:         cfg.Location,
		BatteryLevel:     d.BatteryLevel,
		FreeStorageBytes: d.FreeStorageBytes,
		LastSeen:         d.LastSeen,
		SpeedKmh:         speedKmh,
		Unit:             cfg.Unit,
	}
}
