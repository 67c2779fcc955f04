package store

import (
	"context"
	"fmt"
	"time"

	"phone-monitor/alerting/internal/domain"
)

func (s *PostgresStore) EnqueueEmail(ctx context.Context, n *domain.EmailNotification) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_notifications
			(email_to, subject, body, notification_type, device_id)
		VALUES
			($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		n.To,
		n.Subject,
		n.Body,
		string(n.Kind),
		n.DeviceID,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// PendingEmails returns unsent, unfailed rows oldest first.
func (s *PostgresStore) PendingEmails(ctx context.Context, limit int) ([]domain.EmailNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email_to, subject, body, notification_type, device_id, created_at
		FROM email_notifications
		WHERE sent_at IS NULL AND failed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending emails: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailNotification
	for rows.Next() {
		var n domain.EmailNotification
		var kind string
		if err := rows.Scan(&n.ID, &n.To, &n.Subject, &n.Body, &kind, &n.DeviceID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		n.Kind = domain.MessageKind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkEmailSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE email_notifications SET sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark email %d sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkEmailFailed(ctx context.Context, id int64, at time.Time, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE email_notifications SET failed_at = $2, error_message = $3 WHERE id = $1`,
		id, at, reason)
	if err != nil {
		return fmt.Errorf("mark email %d failed: %w", id, err)
	}
	return nil
}
