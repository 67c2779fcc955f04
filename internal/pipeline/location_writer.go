package pipeline

import (
	"context"
	"time"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
)

type LocationStore interface {
	BatchInsertLocations(ctx context.Context, batch []*domain.PingMessage) error
}

// LocationWriter batches location fixes into the append-only sample history.
type LocationWriter struct {
	ch         <-chan *domain.PingMessage
	db         LocationStore
	batchSize  int
	flushEvery time.Duration
	retryDelay time.Duration
}

func NewLocationWriter(
	ch <-chan *domain.PingMessage,
	db LocationStore,
	batchSize int,
	flushMS int,
) *LocationWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushMS < 1 {
		flushMS = 100
	}
	return &LocationWriter{
		ch:         ch,
		db:         db,
		batchSize:  batchSize,
		flushEvery: time.Duration(flushMS) * time.Millisecond,
		retryDelay: 500 * time.Millisecond,
	}
}

func (w *LocationWriter) Run(ctx context.Context) {
	batch := make([]*domain.PingMessage, 0, w.batchSize)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(context.WithoutCancel(ctx), batch)
				}
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.WithoutCancel(ctx), batch)
			}
			return
		}
	}
}

func (w *LocationWriter) flush(ctx context.Context, batch []*domain.PingMessage) {
	err := w.db.BatchInsertLocations(ctx, batch)
	if err != nil {
		logging.Warn().Err(err).Int("batch", len(batch)).Msg("location write failed, retrying")
		time.Sleep(w.retryDelay)
		err = w.db.BatchInsertLocations(ctx, batch)
		if err != nil {
			logging.Error().Err(err).Int("batch", len(batch)).Msg("location write permanently failed")
			metrics.LocationWriteFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.LocationWriteSuccess.Add(float64(len(batch)))
}
