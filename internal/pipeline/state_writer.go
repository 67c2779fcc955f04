package pipeline

import (
	"context"
	"time"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
)

const (
	stateBatchSize  = 100
	stateFlushEvery = 50 * time.Millisecond
)

type StateStore interface {
	PipelineStateUpdate(ctx context.Context, msg *domain.PingMessage) error
}

// StateWriter keeps the live device state in Redis for dashboards. Pings are
// coalesced per device between flushes; only the newest one is written.
type StateWriter struct {
	ch    <-chan *domain.PingMessage
	redis StateStore
}

func NewStateWriter(ch <-chan *domain.PingMessage, redis StateStore) *StateWriter {
	return &StateWriter{ch: ch, redis: redis}
}

func (w *StateWriter) Run(ctx context.Context) {
	pending := make(map[int64]*domain.PingMessage)
	var order []int64

	ticker := time.NewTicker(stateFlushEvery)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		for _, id := range order {
			w.write(ctx, pending[id])
			delete(pending, id)
		}
		order = order[:0]
	}

	for {
		select {
		case msg, ok := <-w.ch:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return
			}
			prev, seen := pending[msg.DeviceID]
			if !seen {
				order = append(order, msg.DeviceID)
			} else if prev.HasLocation && !msg.HasLocation {
				// Keep the fix in the geo index.
				w.write(ctx, prev)
			}
			pending[msg.DeviceID] = msg
			if len(order) >= stateBatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (w *StateWriter) write(ctx context.Context, msg *domain.PingMessage) {
	if err := w.redis.PipelineStateUpdate(ctx, msg); err != nil {
		logging.Warn().Err(err).Int64("device_id", msg.DeviceID).Msg("redis state update failed")
	}
}
