package pipeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"phone-monitor/alerting/internal/domain"
)

func ping(id int64, withFix bool, battery *int) *domain.PingMessage {
	m := &domain.PingMessage{DeviceID: id, ReceivedAt: time.Now(), Battery: battery}
	if withFix {
		m.HasLocation = true
		m.Latitude, m.Longitude = 1, 2
	}
	return m
}

func intp(v int) *int { return &v }

func TestDispatch_Routing(t *testing.T) {
	tests := []struct {
		name                 string
		msg                  *domain.PingMessage
		loc, state, geofence int
	}{
		{"fix and battery", ping(1, true, intp(50)), 1, 1, 1},
		{"battery only", ping(1, false, intp(50)), 0, 1, 1},
		{"bare heartbeat", ping(1, false, nil), 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(1, 1, 1)
			d.Dispatch(tt.msg)
			if len(d.LocationChan) != tt.loc || len(d.StateChan) != tt.state || len(d.GeofenceChan) != tt.geofence {
				t.Errorf("queued = %d/%d/%d, want %d/%d/%d",
					len(d.LocationChan), len(d.StateChan), len(d.GeofenceChan), tt.loc, tt.state, tt.geofence)
			}
		})
	}
}

func TestDispatch_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1)
	d.Dispatch(ping(1, true, nil))
	d.Dispatch(ping(2, true, nil)) // must not block

	if got := (<-d.LocationChan).DeviceID; got != 1 {
		t.Errorf("kept device %d, want the first message", got)
	}
}

type fakeLocations struct {
	mu      sync.Mutex
	batches [][]*domain.PingMessage
	fails   int
}

func (f *fakeLocations) BatchInsertLocations(_ context.Context, batch []*domain.PingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("db down")
	}
	f.batches = append(f.batches, append([]*domain.PingMessage(nil), batch...))
	return nil
}

func (f *fakeLocations) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestLocationWriter_FlushesOnSizeAndClose(t *testing.T) {
	ch := make(chan *domain.PingMessage, 10)
	db := &fakeLocations{}
	w := NewLocationWriter(ch, db, 2, 60_000)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	for i := int64(1); i <= 3; i++ {
		ch <- ping(i, true, nil)
	}
	close(ch)
	<-done

	if db.total() != 3 {
		t.Fatalf("written = %d, want 3", db.total())
	}
	if len(db.batches) != 2 || len(db.batches[0]) != 2 {
		t.Errorf("batches = %d (first %d), want a full batch then the remainder", len(db.batches), len(db.batches[0]))
	}
}

func TestLocationWriter_RetriesOnce(t *testing.T) {
	db := &fakeLocations{fails: 1}
	w := NewLocationWriter(nil, db, 10, 100)
	w.retryDelay = time.Millisecond

	w.flush(context.Background(), []*domain.PingMessage{ping(1, true, nil)})
	if db.total() != 1 {
		t.Errorf("written = %d after one transient failure, want 1", db.total())
	}

	db.fails = 2
	w.flush(context.Background(), []*domain.PingMessage{ping(2, true, nil)})
	if db.total() != 1 {
		t.Errorf("written = %d, second batch should be dropped after retry", db.total())
	}
}

type fakeState struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeState) PipelineStateUpdate(_ context.Context, msg *domain.PingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, msg.DeviceID)
	return nil
}

func TestStateWriter_DrainsOnClose(t *testing.T) {
	ch := make(chan *domain.PingMessage, 5)
	st := &fakeState{}
	for i := int64(1); i <= 5; i++ {
		ch <- ping(i, false, nil)
	}
	close(ch)

	NewStateWriter(ch, st).Run(context.Background())
	if len(st.ids) != 5 {
		t.Errorf("updates = %d, want 5", len(st.ids))
	}
}

func TestStateWriter_CoalescesPerDevice(t *testing.T) {
	ch := make(chan *domain.PingMessage, 4)
	st := &fakeState{}
	ch <- ping(1, true, nil)
	ch <- ping(1, false, intp(50))
	ch <- ping(2, false, nil)
	ch <- ping(1, false, intp(49))
	close(ch)

	NewStateWriter(ch, st).Run(context.Background())

	// The fix is written before it is superseded, then one write per device.
	want := []int64{1, 1, 2}
	if !reflect.DeepEqual(st.ids, want) {
		t.Errorf("updates = %v, want %v", st.ids, want)
	}
}

type fakeDevices map[int64]*domain.Device

func (f fakeDevices) GetDevice(_ context.Context, id int64) (*domain.Device, error) {
	return f[id], nil
}

type fakeTracker struct{ calls int }

func (f *fakeTracker) Evaluate(context.Context, *domain.Device, float64, float64, time.Time) ([]domain.GeofenceEvent, error) {
	f.calls++
	return nil, nil
}

type fakeBattery struct{ levels []int }

func (f *fakeBattery) CheckBattery(_ context.Context, _ *domain.Device, battery int, _ time.Time) bool {
	f.levels = append(f.levels, battery)
	return true
}

func TestGeofenceWorker(t *testing.T) {
	ch := make(chan *domain.PingMessage, 4)
	tr, bat := &fakeTracker{}, &fakeBattery{}
	w := NewGeofenceWorker(ch, fakeDevices{1: {ID: 1}}, tr, bat)

	ch <- ping(1, true, intp(10))
	ch <- ping(1, false, intp(90))
	ch <- ping(2, true, intp(5)) // unknown device
	close(ch)
	w.Run(context.Background())

	if tr.calls != 1 {
		t.Errorf("geofence evaluations = %d, want 1", tr.calls)
	}
	if len(bat.levels) != 2 {
		t.Errorf("battery checks = %v, want 2", bat.levels)
	}
}
