package geofence

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"phone-monitor/alerting/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	fences    []domain.Geofence
	events    []domain.GeofenceEvent
	recordErr map[int64]error
	// lookupDelay widens the window between lookup and insert.
	lookupDelay time.Duration
}

func (s *fakeStore) ListApplicableGeofences(_ context.Context, deviceID int64) ([]domain.Geofence, error) {
	var out []domain.Geofence
	for _, g := range s.fences {
		if g.DeviceID == nil || *g.DeviceID == deviceID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) LastEvent(_ context.Context, deviceID, geofenceID int64) (*domain.GeofenceEvent, error) {
	s.mu.Lock()
	// Same order as the SQL: created_at DESC, id DESC.
	var last *domain.GeofenceEvent
	for i := range s.events {
		ev := s.events[i]
		if ev.DeviceID != deviceID || ev.GeofenceID != geofenceID {
			continue
		}
		if last == nil || ev.CreatedAt.After(last.CreatedAt) ||
			(ev.CreatedAt.Equal(last.CreatedAt) && ev.ID > last.ID) {
			last = &ev
		}
	}
	s.mu.Unlock()
	if s.lookupDelay > 0 {
		time.Sleep(s.lookupDelay)
	}
	return last, nil
}

func (s *fakeStore) RecordEvent(_ context.Context, ev *domain.GeofenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordErr[ev.GeofenceID]; err != nil {
		return err
	}
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeStore) count(kind domain.GeofenceEventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeSink struct {
	mu       sync.Mutex
	ok       bool
	messages []domain.Message
}

func (s *fakeSink) Deliver(_ context.Context, _ domain.Channel, _ *domain.Device, msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.ok
}

type fakeBus struct {
	mu   sync.Mutex
	sent []domain.AlertBroadcast
}

func (b *fakeBus) BroadcastAlert(_ context.Context, a domain.AlertBroadcast) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, a)
	return nil
}

func metersNorth(m float64) float64 {
	return m / 6371000 * 180 / math.Pi
}

var device = &domain.Device{ID: 7, UUID: "dev-7", OwnerName: "Sam", DisplayName: "Pixel", ConsentGiven: true}

func fence(enter, exit bool) domain.Geofence {
	return domain.Geofence{ID: 1, Name: "Home", RadiusMeters: 100, AlertOnEnter: enter, AlertOnExit: exit, Active: true}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		g         domain.Geofence
		distance  float64
		wasInside bool
		want      domain.GeofenceEventKind
		wantOK    bool
	}{
		{"enter", fence(true, false), 10, false, domain.GeofenceEnter, true},
		{"boundary is inside", fence(true, false), 100, false, domain.GeofenceEnter, true},
		{"still inside", fence(true, true), 10, true, "", false},
		{"still outside", fence(true, true), 500, false, "", false},
		{"exit", fence(false, true), 500, true, domain.GeofenceExit, true},
		{"enter not alerting", fence(false, true), 10, false, "", false},
		{"exit not alerting", fence(true, false), 500, true, "", false},
		{"dead configuration", fence(false, false), 10, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decide(tt.g, tt.distance, tt.wasInside)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Decide = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWasInside(t *testing.T) {
	if WasInside(nil) {
		t.Error("no history should mean outside")
	}
	if !WasInside(&domain.GeofenceEvent{Kind: domain.GeofenceEnter}) {
		t.Error("last enter should mean inside")
	}
	if WasInside(&domain.GeofenceEvent{Kind: domain.GeofenceExit}) {
		t.Error("last exit should mean outside")
	}
}

func TestTracker_EnterStayExit(t *testing.T) {
	for _, alertOnExit := range []bool{true, false} {
		store := &fakeStore{fences: []domain.Geofence{fence(true, alertOnExit)}}
		sink := &fakeSink{ok: true}
		tr := NewTracker(store, nil, sink, []domain.Channel{domain.ChannelEmail})
		ctx := context.Background()
		at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

		evs, err := tr.Evaluate(ctx, device, 0, 0, at)
		if err != nil || len(evs) != 1 || evs[0].Kind != domain.GeofenceEnter {
			t.Fatalf("first ping: %v %v", evs, err)
		}
		if evs[0].DistanceMeters != 0 {
			t.Errorf("distance = %f, want 0", evs[0].DistanceMeters)
		}

		evs, err = tr.Evaluate(ctx, device, 0, 0, at.Add(time.Minute))
		if err != nil || len(evs) != 0 {
			t.Fatalf("second ping inside: %v %v", evs, err)
		}

		evs, err = tr.Evaluate(ctx, device, metersNorth(200), 0, at.Add(2*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if alertOnExit {
			if len(evs) != 1 || evs[0].Kind != domain.GeofenceExit {
				t.Fatalf("exit ping: %v", evs)
			}
			if math.Abs(evs[0].DistanceMeters-200) > 1 {
				t.Errorf("exit distance = %f, want ~200", evs[0].DistanceMeters)
			}
		} else if len(evs) != 0 {
			t.Fatalf("exit ping with alertOnExit=false recorded %v", evs)
		}

		wantMessages := 1
		if alertOnExit {
			wantMessages = 2
		}
		if len(sink.messages) != wantMessages {
			t.Errorf("alertOnExit=%v: %d notifications, want %d", alertOnExit, len(sink.messages), wantMessages)
		}
	}
}

// steppingClock returns a clock that advances one minute per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

func TestTracker_MembershipFollowsRecordingOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	outside := metersNorth(500)

	tests := []struct {
		name   string
		pings  []float64 // latitudes
		fixAt  []time.Time
		enters int
		exits  int
	}{
		{
			name:   "future fix then outside pings",
			pings:  []float64{0, outside, outside, outside, outside},
			fixAt:  []time.Time{base.Add(24 * time.Hour), base.Add(time.Minute), base.Add(2 * time.Minute), base.Add(3 * time.Minute), base.Add(4 * time.Minute)},
			enters: 1,
			exits:  1,
		},
		{
			name:   "late buffered fix",
			pings:  []float64{0, outside, outside},
			fixAt:  []time.Time{base, base.Add(-time.Hour), base.Add(time.Minute)},
			enters: 1,
			exits:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{fences: []domain.Geofence{fence(true, true)}}
			sink := &fakeSink{ok: true}
			tr := NewTracker(store, nil, sink, []domain.Channel{domain.ChannelEmail}, WithClock(steppingClock(base)))

			for i, lat := range tt.pings {
				if _, err := tr.Evaluate(context.Background(), device, lat, 0, tt.fixAt[i]); err != nil {
					t.Fatal(err)
				}
			}
			if got := store.count(domain.GeofenceEnter); got != tt.enters {
				t.Errorf("enter events = %d, want %d", got, tt.enters)
			}
			if got := store.count(domain.GeofenceExit); got != tt.exits {
				t.Errorf("exit events = %d, want %d", got, tt.exits)
			}
			if len(sink.messages) != tt.enters+tt.exits {
				t.Errorf("notifications = %d, want %d", len(sink.messages), tt.enters+tt.exits)
			}
			first := store.events[0]
			if !first.CapturedAt.Equal(tt.fixAt[0]) || first.CreatedAt.Equal(first.CapturedAt) {
				t.Errorf("event times = captured %v, created %v", first.CapturedAt, first.CreatedAt)
			}
		})
	}
}

func TestTracker_ScopedAndGlobalFencesAreIndependent(t *testing.T) {
	other := int64(99)
	mine := device.ID
	store := &fakeStore{fences: []domain.Geofence{
		{ID: 1, Name: "Office", RadiusMeters: 50, AlertOnEnter: true, Active: true},
		{ID: 2, Name: "Office", RadiusMeters: 50, DeviceID: &mine, AlertOnEnter: true, Active: true},
		{ID: 3, Name: "Office", RadiusMeters: 50, DeviceID: &other, AlertOnEnter: true, Active: true},
		{ID: 4, Name: "Closed", RadiusMeters: 50, AlertOnEnter: true, Active: false},
	}}
	tr := NewTracker(store, nil, nil, nil)

	evs, err := tr.Evaluate(context.Background(), device, 0, 0, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].GeofenceID != 1 || evs[1].GeofenceID != 2 {
		t.Errorf("events = %+v, want enters for fences 1 and 2", evs)
	}
}

func TestTracker_NotificationFailureStillPersists(t *testing.T) {
	store := &fakeStore{fences: []domain.Geofence{fence(true, true)}}
	sink := &fakeSink{ok: false}
	bus := &fakeBus{}
	tr := NewTracker(store, nil, sink, domain.Channels, WithBroadcaster(bus))

	evs, err := tr.Evaluate(context.Background(), device, 0, 0, time.Now())
	if err != nil || len(evs) != 1 {
		t.Fatalf("Evaluate = %v, %v", evs, err)
	}
	if store.count(domain.GeofenceEnter) != 1 {
		t.Error("enter event not persisted")
	}
	if len(sink.messages) != len(domain.Channels) {
		t.Errorf("attempted %d channels, want %d", len(sink.messages), len(domain.Channels))
	}
	if len(bus.sent) != 1 || bus.sent[0].GeofenceID == nil || *bus.sent[0].GeofenceID != 1 {
		t.Errorf("broadcasts = %+v", bus.sent)
	}
}

func TestTracker_StoreFailureDoesNotStopOtherFences(t *testing.T) {
	boom := errors.New("insert failed")
	store := &fakeStore{
		fences: []domain.Geofence{
			{ID: 1, Name: "A", RadiusMeters: 100, AlertOnEnter: true, Active: true},
			{ID: 2, Name: "B", RadiusMeters: 100, AlertOnEnter: true, Active: true},
		},
		recordErr: map[int64]error{1: boom},
	}
	tr := NewTracker(store, nil, nil, nil)

	evs, err := tr.Evaluate(context.Background(), device, 0, 0, time.Now())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
	if len(evs) != 1 || evs[0].GeofenceID != 2 {
		t.Errorf("events = %+v, want one enter for fence 2", evs)
	}
}

func TestTracker_InvalidCoordinate(t *testing.T) {
	tr := NewTracker(&fakeStore{}, nil, nil, nil)
	if _, err := tr.Evaluate(context.Background(), device, 91, 0, time.Now()); err == nil {
		t.Error("expected error for latitude 91")
	}
}

func TestTracker_ConcurrentPingsRecordOneEnter(t *testing.T) {
	store := &fakeStore{
		fences:      []domain.Geofence{fence(true, true)},
		lookupDelay: 5 * time.Millisecond,
	}
	tr := NewTracker(store, NewKeyedMutex(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Evaluate(context.Background(), device, 0, 0, time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := store.count(domain.GeofenceEnter); n != 1 {
		t.Errorf("recorded %d enter events, want 1", n)
	}
}

func TestKeyedMutex_CancelWhileWaiting(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}

	// A different key is not blocked.
	u2, err := k.Lock(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	u2()

	unlock()
	unlock() // second call is a no-op

	u3, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	u3()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Errorf("%d lock entries leaked", len(k.locks))
	}
}

func TestTransitionMessage(t *testing.T) {
	g := &domain.Geofence{Name: "School"}
	at := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	msg := TransitionMessage(device, g, domain.GeofenceExit, at)
	if msg.Subject != "Sam (Pixel) left School" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Kind != domain.KindGeofence {
		t.Errorf("kind = %q", msg.Kind)
	}
}
