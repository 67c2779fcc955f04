package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"phone-monitor/alerting/internal/domain"
)

const geofenceColumns = `id, name, latitude, longitude, radius_meters, device_id,
	alert_on_enter, alert_on_exit, active, created_at`

func scanGeofence(row pgx.Row) (domain.Geofence, error) {
	var g domain.Geofence
	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.Latitude,
		&g.Longitude,
		&g.RadiusMeters,
		&g.DeviceID,
		&g.AlertOnEnter,
		&g.AlertOnExit,
		&g.Active,
		&g.CreatedAt,
	)
	return g, err
}

func (s *PostgresStore) queryGeofences(ctx context.Context, sql string, args ...any) ([]domain.Geofence, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListApplicableGeofences returns active global geofences plus those scoped
// to the device.
func (s *PostgresStore) ListApplicableGeofences(ctx context.Context, deviceID int64) ([]domain.Geofence, error) {
	out, err := s.queryGeofences(ctx,
		`SELECT `+geofenceColumns+` FROM geofences
		 WHERE active AND (device_id IS NULL OR device_id = $1)
		 ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list geofences for device %d: %w", deviceID, err)
	}
	return out, nil
}

func (s *PostgresStore) ListGeofences(ctx context.Context) ([]domain.Geofence, error) {
	out, err := s.queryGeofences(ctx, `SELECT `+geofenceColumns+` FROM geofences ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list geofences: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateGeofence(ctx context.Context, g *domain.Geofence) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO geofences
			(name, latitude, longitude, radius_meters, device_id, alert_on_enter, alert_on_exit, active)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		g.Name,
		g.Latitude,
		g.Longitude,
		g.RadiusMeters,
		g.DeviceID,
		g.AlertOnEnter,
		g.AlertOnExit,
		g.Active,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create geofence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteGeofence(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM geofences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete geofence %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LastEvent returns the newest event for the pair, or nil, nil if none.
func (s *PostgresStore) LastEvent(ctx context.Context, deviceID, geofenceID int64) (*domain.GeofenceEvent, error) {
	var ev domain.GeofenceEvent
	var kind string
	var capturedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, geofence_id, device_id, event_type, latitude, longitude, distance_meters,
			captured_at, created_at
		FROM geofence_events
		WHERE device_id = $1 AND geofence_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, deviceID, geofenceID,
	).Scan(
		&ev.ID,
		&ev.GeofenceID,
		&ev.DeviceID,
		&kind,
		&ev.Latitude,
		&ev.Longitude,
		&ev.DistanceMeters,
		&capturedAt,
		&ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last geofence event: %w", err)
	}
	ev.Kind = domain.GeofenceEventKind(kind)
	if capturedAt != nil {
		ev.CapturedAt = *capturedAt
	}
	return &ev, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *domain.GeofenceEvent) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO geofence_events
			(geofence_id, device_id, event_type, latitude, longitude, distance_meters, captured_at, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
		RETURNING id`,
		ev.GeofenceID,
		ev.DeviceID,
		string(ev.Kind),
		ev.Latitude,
		ev.Longitude,
		ev.DistanceMeters,
		nullableTime(ev.CapturedAt),
		nullableTime(ev.CreatedAt),
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert geofence event: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
