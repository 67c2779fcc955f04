package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"phone-monitor/alerting/internal/devicealert"
	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/rules"
)

type recorder struct{ steps []string }

type fakeSweeper struct {
	rec *recorder
	err error
}

func (f fakeSweeper) SweepOffline(context.Context, devicealert.OfflineSource, time.Time) (int, error) {
	f.rec.steps = append(f.rec.steps, "offline")
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

type fakeTicker struct{ rec *recorder }

func (f fakeTicker) Tick(context.Context, time.Time) ([]rules.FiringResult, rules.TickStats) {
	f.rec.steps = append(f.rec.steps, "rules")
	return nil, rules.TickStats{Fired: 3, Failures: 1}
}

type fakeOutbox struct{ rec *recorder }

func (f fakeOutbox) SendPending(context.Context) (int, int, error) {
	f.rec.steps = append(f.rec.steps, "outbox")
	return 4, 1, nil
}

type noDevices struct{}

func (noDevices) DevicesLastSeenBetween(context.Context, time.Time, time.Time) ([]domain.Device, error) {
	return nil, nil
}

func TestCycle_RunsStepsInOrder(t *testing.T) {
	rec := &recorder{}
	c := &Cycle{
		Offline:       fakeSweeper{rec: rec},
		OfflineSource: noDevices{},
		Rules:         fakeTicker{rec: rec},
		Outbox:        fakeOutbox{rec: rec},
	}
	st := c.Run(context.Background(), time.Now())

	want := []string{"offline", "rules", "outbox"}
	if len(rec.steps) != len(want) {
		t.Fatalf("steps = %v, want %v", rec.steps, want)
	}
	for i := range want {
		if rec.steps[i] != want[i] {
			t.Errorf("steps = %v, want %v", rec.steps, want)
			break
		}
	}
	if st.Offline != 2 || st.Rules.Fired != 3 || st.EmailsSent != 4 || st.EmailsFail != 1 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCycle_StepFailureDoesNotStopOthers(t *testing.T) {
	rec := &recorder{}
	c := &Cycle{
		Offline:       fakeSweeper{rec: rec, err: errors.New("db down")},
		OfflineSource: noDevices{},
		Rules:         fakeTicker{rec: rec},
		Outbox:        fakeOutbox{rec: rec},
	}
	st := c.Run(context.Background(), time.Now())
	if len(rec.steps) != 3 || st.Errors != 1 {
		t.Errorf("steps = %v, errors = %d", rec.steps, st.Errors)
	}
}

func TestCycle_OptionalSteps(t *testing.T) {
	rec := &recorder{}
	st := (&Cycle{Rules: fakeTicker{rec: rec}}).Run(context.Background(), time.Now())
	if len(rec.steps) != 1 || st.Rules.Fired != 3 {
		t.Errorf("steps = %v, stats = %+v", rec.steps, st)
	}
}
