package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"phone-monitor/alerting/internal/logging"
)

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server until the supervisor stops it.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return "http-server" }

// Runner adapts a blocking Run(ctx) worker. A worker that returns on its own
// (its input channel closed) is not restarted.
type Runner struct {
	name string
	run  func(ctx context.Context)
}

func NewRunner(name string, run func(ctx context.Context)) *Runner {
	return &Runner{name: name, run: run}
}

func (r *Runner) Serve(ctx context.Context) error {
	r.run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return suture.ErrDoNotRestart
}

func (r *Runner) String() string { return r.name }

// Periodic calls fn every interval, starting one interval after Serve. Each
// call gets its own timeout and a correlation id.
type Periodic struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	fn       func(ctx context.Context, now time.Time)
	clock    func() time.Time
}

func NewPeriodic(name string, interval, timeout time.Duration, fn func(ctx context.Context, now time.Time)) *Periodic {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Periodic{
		name:     name,
		interval: interval,
		timeout:  timeout,
		fn:       fn,
		clock:    time.Now,
	}
}

func (p *Periodic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	start := p.clock()
	p.fn(ctx, start)
	logging.Ctx(ctx).Debug().
		Str("job", p.name).
		Dur("elapsed", p.clock().Sub(start)).
		Msg("periodic job finished")
}

func (p *Periodic) String() string { return p.name }
