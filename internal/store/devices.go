package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/motion"
)

const deviceColumns = `id, device_uuid, owner_name, display_name, consent_given, revoked,
	last_seen, battery_level, free_storage`

func scanDevice(row pgx.Row) (*domain.Device, error) {
	var d domain.Device
	err := row.Scan(
		&d.ID,
		&d.UUID,
		&d.OwnerName,
		&d.DisplayName,
		&d.ConsentGiven,
		&d.Revoked,
		&d.LastSeen,
		&d.BatteryLevel,
		&d.FreeStorageBytes,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) queryDevices(ctx context.Context, sql string, args ...any) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDevice returns nil, nil when no device has the id.
func (s *PostgresStore) GetDevice(ctx context.Context, id int64) (*domain.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", id, err)
	}
	return d, nil
}

// GetDeviceByUUID returns nil, nil when the uuid is not registered.
func (s *PostgresStore) GetDeviceByUUID(ctx context.Context, uuid string) (*domain.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_uuid = $1`, uuid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", uuid, err)
	}
	return d, nil
}

// ListMonitoredDevices returns consented, non-revoked devices by id.
func (s *PostgresStore) ListMonitoredDevices(ctx context.Context) ([]domain.Device, error) {
	out, err := s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE consent_given AND NOT revoked
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list monitored devices: %w", err)
	}
	return out, nil
}

// DevicesLastSeenBetween returns non-revoked devices whose last ping falls in
// [from, to).
func (s *PostgresStore) DevicesLastSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Device, error) {
	out, err := s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE NOT revoked AND last_seen >= $1 AND last_seen < $2
		 ORDER BY id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list offline devices: %w", err)
	}
	return out, nil
}

// RecordHeartbeat stores the latest telemetry snapshot from a ping.
// Unreported battery or storage values keep their previous value.
func (s *PostgresStore) RecordHeartbeat(ctx context.Context, msg *domain.PingMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET
			last_seen     = $2,
			battery_level = COALESCE($3, battery_level),
			free_storage  = COALESCE($4, free_storage),
			last_note     = NULLIF($5, ''),
			last_payload  = $6
		WHERE id = $1`,
		msg.DeviceID,
		msg.ReceivedAt,
		msg.Battery,
		msg.FreeStorage,
		msg.Note,
		nullableJSON(msg.RawPayload),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat for device %d: %w", msg.DeviceID, err)
	}
	return nil
}

var locationColumns = []string{
	"device_id",
	"latitude",
	"longitude",
	"accuracy",
	"provider",
	"captured_at",
	"received_at",
}

// BatchInsertLocations appends the location fix of every ping in batch with
// a single COPY. Pings without a fix are skipped.
func (s *PostgresStore) BatchInsertLocations(ctx context.Context, batch []*domain.PingMessage) error {
	rows := make([][]any, 0, len(batch))
	for _, msg := range batch {
		m, ok := msg.Sample()
		if !ok {
			continue
		}
		var provider *string
		if m.Provider != "" {
			p := m.Provider
			provider = &p
		}
		rows = append(rows, []any{
			m.DeviceID,
			m.Latitude,
			m.Longitude,
			m.Accuracy,
			provider,
			m.CapturedAt,
			msg.ReceivedAt,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"device_locations"},
		locationColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(rows), err)
	}
	return nil
}

// RecentSamples returns the device's samples captured at or after since,
// newest first.
func (s *PostgresStore) RecentSamples(ctx context.Context, deviceID int64, since time.Time) ([]motion.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT latitude, longitude, captured_at
		FROM device_locations
		WHERE device_id = $1 AND captured_at >= $2
		ORDER BY captured_at DESC, id DESC
		LIMIT 500`, deviceID, since)
	if err != nil {
		return nil, fmt.Errorf("recent samples for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	var out []motion.Sample
	for rows.Next() {
		var sm motion.Sample
		if err := rows.Scan(&sm.Latitude, &sm.Longitude, &sm.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	v := string(b)
	return &v
}
