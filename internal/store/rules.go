package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"phone-monitor/alerting/internal/condition"
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
)

const ruleColumns = `id, name, device_id, rule_type, conditions, actions,
	cooldown_minutes, last_triggered_at, enabled`

// ListEnabledRules returns enabled rules in ascending id order. A rule whose
// stored conditions cannot be parsed is returned with an empty tree, which
// never fires.
func (s *PostgresStore) ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error) {
	out, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]domain.AlertRule, error) {
	out, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) queryRules(ctx context.Context, sql string, args ...any) ([]domain.AlertRule, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AlertRule
	for rows.Next() {
		r, err := scanRule(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(ctx context.Context, row pgx.Row) (domain.AlertRule, error) {
	var (
		r          domain.AlertRule
		conditions []byte
		actions    []byte
		cooldown   int
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.DeviceID,
		&r.RuleType,
		&conditions,
		&actions,
		&cooldown,
		&r.LastTriggeredAt,
		&r.Enabled,
	)
	if err != nil {
		return r, err
	}
	r.Cooldown = time.Duration(cooldown) * time.Minute

	tree, err := condition.ParseTree(conditions)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("rule_id", r.ID).Msg("unparsable rule conditions, rule will not fire")
	}
	r.Conditions = tree
	r.Actions = decodeActions(actions)
	return r, nil
}

// decodeActions reads the {"email": true, ...} form. Unknown channels are
// ignored.
func decodeActions(raw []byte) []domain.Channel {
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	var out []domain.Channel
	for _, ch := range domain.Channels {
		if m[string(ch)] {
			out = append(out, ch)
		}
	}
	return out
}

func encodeActions(actions []domain.Channel) ([]byte, error) {
	m := make(map[string]bool, len(domain.Channels))
	for _, ch := range domain.Channels {
		m[string(ch)] = false
	}
	for _, ch := range actions {
		m[string(ch)] = true
	}
	return json.Marshal(m)
}

// TryAdvanceCooldown moves last_triggered_at to now only when the rule is out
// of cooldown. The strict "< now" guard makes a second evaluator at the same
// instant lose even with a zero cooldown.
func (s *PostgresStore) TryAdvanceCooldown(ctx context.Context, ruleID int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_rules
		SET last_triggered_at = $2
		WHERE id = $1
		  AND enabled
		  AND (
		        last_triggered_at IS NULL
		     OR (last_triggered_at < $2
		         AND last_triggered_at + make_interval(mins => cooldown_minutes) <= $2)
		  )`, ruleID, now)
	if err != nil {
		return false, fmt.Errorf("advance cooldown for rule %d: %w", ruleID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordTrigger(ctx context.Context, t *domain.AlertTrigger) error {
	actions, err := json.Marshal(t.ActionsTaken)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alert_rule_triggers
			(alert_rule_id, device_id, trigger_reason, actions_taken, triggered_at)
		VALUES
			($1, $2, $3, $4, $5)
		RETURNING id`,
		t.RuleID,
		t.DeviceID,
		t.Reason,
		string(actions),
		t.TriggeredAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trigger for rule %d: %w", t.RuleID, err)
	}
	return nil
}

func (s *PostgresStore) ListTriggers(ctx context.Context, limit int) ([]domain.AlertTrigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_rule_id, device_id, trigger_reason, actions_taken, triggered_at
		FROM alert_rule_triggers
		ORDER BY triggered_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertTrigger
	for rows.Next() {
		var t domain.AlertTrigger
		var actions []byte
		if err := rows.Scan(&t.ID, &t.RuleID, &t.DeviceID, &t.Reason, &actions, &t.TriggeredAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.ActionsTaken = make(map[domain.Channel]bool)
		_ = json.Unmarshal(actions, &t.ActionsTaken)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *domain.AlertRule) error {
	conditions, actions, err := encodeRule(r)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alert_rules
			(name, device_id, rule_type, conditions, actions, cooldown_minutes, enabled)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.Name,
		r.DeviceID,
		r.RuleType,
		string(conditions),
		string(actions),
		int(r.Cooldown/time.Minute),
		r.Enabled,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// UpdateRule rewrites the editable fields. last_triggered_at is left alone so
// editing a rule does not reset its cooldown.
func (s *PostgresStore) UpdateRule(ctx context.Context, r *domain.AlertRule) error {
	conditions, actions, err := encodeRule(r)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_rules SET
			name = $2,
			device_id = $3,
			rule_type = $4,
			conditions = $5,
			actions = $6,
			cooldown_minutes = $7,
			enabled = $8
		WHERE id = $1`,
		r.ID,
		r.Name,
		r.DeviceID,
		r.RuleType,
		string(conditions),
		string(actions),
		int(r.Cooldown/time.Minute),
		r.Enabled,
	)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeRule(r *domain.AlertRule) (conditions, actions []byte, err error) {
	conditions, err = r.Conditions.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	actions, err = encodeActions(r.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	return conditions, actions, nil
}
