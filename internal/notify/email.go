package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
)

// Outbox queues email for later delivery.
type Outbox interface {
	EnqueueEmail(ctx context.Context, n *domain.EmailNotification) error
}

// EmailNotifier enqueues messages for the admin address. Actual sending is
// done by OutboxSender.
type EmailNotifier struct {
	outbox Outbox
	to     string
}

func NewEmailNotifier(outbox Outbox, to string) *EmailNotifier {
	return &EmailNotifier{outbox: outbox, to: to}
}

func (n *EmailNotifier) Channel() domain.Channel { return domain.ChannelEmail }

func (n *EmailNotifier) Enabled() bool { return n.outbox != nil && n.to != "" }

func (n *EmailNotifier) Send(ctx context.Context, device *domain.Device, msg domain.Message) error {
	e := &domain.EmailNotification{
		To:      n.to,
		Subject: msg.Subject,
		Body:    msg.Body,
		Kind:    msg.Kind,
	}
	if device != nil {
		id := device.ID
		e.DeviceID = &id
	}
	if err := n.outbox.EnqueueEmail(ctx, e); err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// OutboxStore is the persistence OutboxSender drains.
type OutboxStore interface {
	PendingEmails(ctx context.Context, limit int) ([]domain.EmailNotification, error)
	MarkEmailSent(ctx context.Context, id int64, at time.Time) error
	MarkEmailFailed(ctx context.Context, id int64, at time.Time, reason string) error
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

const DefaultOutboxBatch = 10

// OutboxSender sends pending outbox rows oldest first.
type OutboxSender struct {
	store  OutboxStore
	mailer Mailer
	batch  int
	clock  func() time.Time
}

func NewOutboxSender(store OutboxStore, mailer Mailer, batch int) *OutboxSender {
	if batch <= 0 {
		batch = DefaultOutboxBatch
	}
	return &OutboxSender{store: store, mailer: mailer, batch: batch, clock: time.Now}
}

// SendPending sends one batch. Each row is marked sent or failed; a failed
// mark is logged and does not stop the batch.
func (s *OutboxSender) SendPending(ctx context.Context) (sent, failed int, err error) {
	pending, err := s.store.PendingEmails(ctx, s.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("load pending emails: %w", err)
	}

	log := logging.Ctx(ctx)
	for _, e := range pending {
		if sendErr := s.mailer.Send(ctx, e.To, e.Subject, e.Body); sendErr != nil {
			failed++
			if err := s.store.MarkEmailFailed(ctx, e.ID, s.clock(), sendErr.Error()); err != nil {
				log.Error().Err(err).Int64("email_id", e.ID).Msg("mark email failed")
			}
			log.Warn().Err(sendErr).Int64("email_id", e.ID).Str("to", e.To).Msg("email send failed")
			continue
		}
		sent++
		if err := s.store.MarkEmailSent(ctx, e.ID, s.clock()); err != nil {
			log.Error().Err(err).Int64("email_id", e.ID).Msg("mark email sent")
		}
	}
	return sent, failed, nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Security is "ssl" for implicit TLS, "tls" for STARTTLS, "none" for plain.
	Security string
	From     string
	FromName string
}

// SMTPMailer sends plain-text mail over SMTP.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Security == "" {
		cfg.Security = "ssl"
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: 15 * time.Second}

	var conn net.Conn
	var err error
	if strings.EqualFold(m.cfg.Security, "ssl") {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: m.cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if strings.EqualFold(m.cfg.Security, "tls") {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMessage(m.cfg.From, m.cfg.FromName, to, subject, body)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}

func buildMessage(from, fromName, to, subject, body string) []byte {
	var b strings.Builder
	if fromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
