package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/whaletide/whaletide/internal/adapters"
	"github.com/whaletide/whaletide/internal/config"
	"github.com/whaletide/whaletide/internal/metrics"
	"github.com/whaletide/whaletide/internal/model"
)

// ErrAllAdaptersDegraded means every event source is parked on the slow
// retry cadence at once: the pipeline has no inputs left and the process
// should exit rather than serve stale data indefinitely.
var ErrAllAdaptersDegraded = errors.New("all adapters degraded")

// Task is a long-running core component. A core task error tears the whole
// process down; adapters get restart loops instead.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor runs core tasks and adapters. Core tasks are fail-fast under
// one errgroup; adapters restart with capped exponential backoff and are
// marked degraded after too many consecutive failures, keeping one dead
// chain from killing the others.
type Supervisor struct {
	cfg     config.SupervisorConfig
	metrics *metrics.Metrics

	mu     sync.Mutex
	health map[string]string
}

// NewSupervisor builds a supervisor.
func NewSupervisor(cfg config.SupervisorConfig, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		metrics: m,
		health:  make(map[string]string),
	}
}

// Health returns a copy of the adapter health registry.
func (s *Supervisor) Health() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.health))
	for k, v := range s.health {
		out[k] = v
	}
	return out
}

func (s *Supervisor) setHealth(name, status string) {
	s.mu.Lock()
	s.health[name] = status
	s.mu.Unlock()
}

// Run blocks until the context is cancelled or a core task fails.
func (s *Supervisor) Run(ctx context.Context, core []Task, adapterList []adapters.Adapter, events chan *model.RawEvent) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, task := range core {
		task := task
		g.Go(func() error {
			log.Info().Str("task", task.Name).Msg("Core task started")
			err := task.Run(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Str("task", task.Name).Err(err).Msg("Core task failed")
			}
			return err
		})
	}

	// Register every adapter before launching any, so the all-degraded
	// check never fires against a partially populated registry.
	for _, a := range adapterList {
		s.setHealth(a.Name(), "starting")
	}
	for _, a := range adapterList {
		a := a
		g.Go(func() error {
			return s.runAdapter(ctx, a, events)
		})
	}

	return g.Wait()
}

// allDegraded reports whether every registered adapter is degraded.
func (s *Supervisor) allDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.health) == 0 {
		return false
	}
	for _, status := range s.health {
		if status != "degraded" {
			return false
		}
	}
	return true
}

// runAdapter keeps one adapter alive for the lifetime of the process. A
// single adapter's failures never propagate: it backs off, restarts, and
// after the configured run of consecutive failures is parked as degraded
// with a slow retry cadence. Only the moment every adapter is degraded at
// once does the group come down.
func (s *Supervisor) runAdapter(ctx context.Context, a adapters.Adapter, events chan *model.RawEvent) error {
	maxFailures := s.cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	base := time.Duration(s.cfg.BackoffBaseSec) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	cap := time.Duration(s.cfg.BackoffCapSec) * time.Second
	if cap <= 0 {
		cap = 60 * time.Second
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setHealth(a.Name(), "healthy")

		started := time.Now()
		err := a.Start(ctx, events)
		if ctx.Err() != nil {
			return nil
		}

		// A long healthy run resets the failure streak.
		if time.Since(started) > 5*time.Minute {
			failures = 0
		}
		failures++
		s.metrics.AdapterRestarts.WithLabelValues(a.Name()).Inc()

		delay := backoffDelay(failures, base, cap)
		if failures >= maxFailures {
			s.setHealth(a.Name(), "degraded")
			if s.allDegraded() {
				log.Error().Err(err).Msg("Every adapter is degraded, shutting down")
				return ErrAllAdaptersDegraded
			}
			delay = cap
			log.Error().Str("adapter", a.Name()).Int("failures", failures).Err(err).
				Msg("Adapter degraded, retrying on slow cadence")
		} else {
			s.setHealth(a.Name(), "restarting")
			log.Warn().Str("adapter", a.Name()).Int("failures", failures).Err(err).
				Dur("backoff", delay).Msg("Adapter failed, restarting")
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return d
}
