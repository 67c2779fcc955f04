package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"phone-monitor/alerting/internal/domain"
)

type stubNotifier struct {
	channel domain.Channel
	enabled bool
	err     error
	block   bool
	calls   atomic.Int32
}

func (s *stubNotifier) Channel() domain.Channel { return s.channel }
func (s *stubNotifier) Enabled() bool { return s.enabled }

func (s *stubNotifier) Send(ctx context.Context, _ *domain.Device, _ domain.Message) error {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

var testDevice = &domain.Device{ID: 3, UUID: "u-3", DisplayName: "Tablet"}

func TestDispatcher_Deliver(t *testing.T) {
	ok := &stubNotifier{channel: domain.ChannelEmail, enabled: true}
	broken := &stubNotifier{channel: domain.ChannelTelegram, enabled: true, err: errors.New("502")}
	off := &stubNotifier{channel: domain.ChannelDiscord, enabled: false}
	d := NewDispatcher(time.Second, BreakerConfig{}, ok, broken, off)

	msg := domain.Message{Subject: "s", Body: "b"}
	tests := []struct {
		channel domain.Channel
		want    bool
	}{
		{domain.ChannelEmail, true},
		{domain.ChannelTelegram, false},
		{domain.ChannelDiscord, false},
		{domain.Channel("sms"), false},
	}
	for _, tt := range tests {
		if got := d.Deliver(context.Background(), tt.channel, testDevice, msg); got != tt.want {
			t.Errorf("Deliver(%s) = %v, want %v", tt.channel, got, tt.want)
		}
	}
	if off.calls.Load() != 0 {
		t.Error("disabled notifier was called")
	}
}

func TestDispatcher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	broken := &stubNotifier{channel: domain.ChannelDiscord, enabled: true, err: errors.New("down")}
	d := NewDispatcher(time.Second, BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Hour}, broken)

	for i := 0; i < 5; i++ {
		d.Deliver(context.Background(), domain.ChannelDiscord, testDevice, domain.Message{})
	}
	if n := broken.calls.Load(); n != 3 {
		t.Errorf("notifier called %d times, want 3 before the breaker opened", n)
	}
	if st := d.BreakerState(domain.ChannelDiscord); st != "open" {
		t.Errorf("breaker state = %q, want open", st)
	}
}

func TestDispatcher_TimeoutBoundsSend(t *testing.T) {
	stuck := &stubNotifier{channel: domain.ChannelTelegram, enabled: true, block: true}
	d := NewDispatcher(20*time.Millisecond, BreakerConfig{}, stuck)

	start := time.Now()
	if d.Deliver(context.Background(), domain.ChannelTelegram, testDevice, domain.Message{}) {
		t.Error("stuck delivery reported success")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Deliver took %v", time.Since(start))
	}
}
