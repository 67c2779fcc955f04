// Package supervisor runs the long-lived parts of the monitor under a suture
// tree so a crashing worker is restarted without taking the API down.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has three layers: pipeline workers, scheduled jobs and the API
// (HTTP server and websocket hub).
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	jobs     *suture.Supervisor
	api      *suture.Supervisor
}

func NewTree(logger zerolog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:     suture.New("phone-monitor", rootSpec),
		pipeline: suture.New("pipeline-layer", childSpec),
		jobs:     suture.New("jobs-layer", childSpec),
		api:      suture.New("api-layer", childSpec),
	}
	t.root.Add(t.pipeline)
	t.root.Add(t.jobs)
	t.root.Add(t.api)
	return t
}

// EventHook logs supervisor events (panics, restarts, backoff) through zerolog.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		ev := logger.Warn()
		if e.Type() == suture.EventTypeServicePanic {
			ev = logger.Error()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

func (t *Tree) AddJob(svc suture.Service) suture.ServiceToken {
	return t.jobs.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
