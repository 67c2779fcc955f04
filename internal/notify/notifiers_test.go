package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"phone-monitor/alerting/internal/domain"
)

func TestTelegramNotifier_Send(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "42", BaseURL: srv.URL})
	if !n.Enabled() {
		t.Fatal("expected enabled")
	}
	msg := domain.Message{Subject: "Battery <low>", Body: "Level 5%"}
	if err := n.Send(context.Background(), testDevice, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if path != "/bottok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != "42" || got.ParseMode != "HTML" {
		t.Errorf("payload = %+v", got)
	}
	if !strings.Contains(got.Text, "<b>Battery &lt;low&gt;</b>") || !strings.Contains(got.Text, "Tablet") {
		t.Errorf("text = %q", got.Text)
	}
}

func TestTelegramNotifier_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "tok", ChatID: "1", BaseURL: srv.URL})
	err := n.Send(context.Background(), testDevice, domain.Message{})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v", err)
	}
}

func TestTelegramNotifier_DisabledWithoutChat(t *testing.T) {
	if NewTelegramNotifier(TelegramConfig{BotToken: "tok"}).Enabled() {
		t.Error("enabled without chat id")
	}
}

func TestDiscordNotifier_Send(t *testing.T) {
	var payload discordWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL})
	n.clock = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	msg := domain.Message{Kind: domain.KindGeofence, Subject: "Tablet entered Home", Body: "details"}
	if err := n.Send(context.Background(), testDevice, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(payload.Embeds) != 1 {
		t.Fatalf("embeds = %+v", payload.Embeds)
	}
	e := payload.Embeds[0]
	if e.Title != msg.Subject || e.Description != "details" || e.Color != 0x3498DB {
		t.Errorf("embed = %+v", e)
	}
	if e.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
}

func TestDiscordNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL})
	if err := n.Send(context.Background(), testDevice, domain.Message{}); err == nil {
		t.Error("expected error on 429")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 10); got != "héllo" {
		t.Errorf("got %q", got)
	}
	if got := truncate("héllo", 3); got != "hé…" {
		t.Errorf("got %q", got)
	}
}

type fakeOutbox struct {
	enqueued []domain.EmailNotification
	pending  []domain.EmailNotification
	sent     []int64
	failed   map[int64]string
	err      error
}

func (f *fakeOutbox) EnqueueEmail(_ context.Context, n *domain.EmailNotification) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, *n)
	return nil
}

func (f *fakeOutbox) PendingEmails(_ context.Context, limit int) ([]domain.EmailNotification, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) MarkEmailSent(_ context.Context, id int64, _ time.Time) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkEmailFailed(_ context.Context, id int64, _ time.Time, reason string) error {
	if f.failed == nil {
		f.failed = make(map[int64]string)
	}
	f.failed[id] = reason
	return nil
}

type fakeMailer struct {
	fail map[string]bool
	to   []string
}

func (m *fakeMailer) Send(_ context.Context, to, _, _ string) error {
	m.to = append(m.to, to)
	if m.fail[to] {
		return errors.New("mailbox unavailable")
	}
	return nil
}

func TestEmailNotifier_Enqueues(t *testing.T) {
	ob := &fakeOutbox{}
	n := NewEmailNotifier(ob, "admin@example.com")
	msg := domain.Message{Kind: domain.KindCustomAlert, Subject: "Alert: x", Body: "y"}
	if err := n.Send(context.Background(), testDevice, msg); err != nil {
		t.Fatal(err)
	}
	if len(ob.enqueued) != 1 {
		t.Fatalf("enqueued = %+v", ob.enqueued)
	}
	e := ob.enqueued[0]
	if e.To != "admin@example.com" || e.Kind != domain.KindCustomAlert || e.DeviceID == nil || *e.DeviceID != 3 {
		t.Errorf("email = %+v", e)
	}

	ob.err = errors.New("db down")
	if err := n.Send(context.Background(), testDevice, msg); err == nil {
		t.Error("expected enqueue error")
	}
	if NewEmailNotifier(ob, "").Enabled() {
		t.Error("enabled without recipient")
	}
}

func TestOutboxSender_SendPending(t *testing.T) {
	ob := &fakeOutbox{}
	for i := int64(1); i <= 12; i++ {
		to := "ok@example.com"
		if i == 2 {
			to = "bad@example.com"
		}
		ob.pending = append(ob.pending, domain.EmailNotification{ID: i, To: to})
	}
	mailer := &fakeMailer{fail: map[string]bool{"bad@example.com": true}}
	s := NewOutboxSender(ob, mailer, 0)

	sent, failed, err := s.SendPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sent != 9 || failed != 1 {
		t.Errorf("sent=%d failed=%d, want 9 and 1", sent, failed)
	}
	if len(mailer.to) != DefaultOutboxBatch {
		t.Errorf("attempted %d, want batch of %d", len(mailer.to), DefaultOutboxBatch)
	}
	if ob.failed[2] != "mailbox unavailable" {
		t.Errorf("failed = %v", ob.failed)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("noreply@x.io", "PhoneMonitor", "a@b.c", "Hi", "line1\nline2"))
	for _, want := range []string{
		"From: PhoneMonitor <noreply@x.io>\r\n",
		"To: a@b.c\r\n",
		"Subject: Hi\r\n",
		"\r\n\r\nline1\r\nline2\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%q", want, msg)
		}
	}
}
