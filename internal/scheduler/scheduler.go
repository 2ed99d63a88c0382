// Package scheduler drives the server's two periodic background passes
// (§5: "two global sweeper tasks run at 1 Hz") on top of go-co-op/gocron,
// the same wrapper shape the teacher's policy scheduler uses — New/Start/
// Stop around a gocron.Scheduler, jobs registered once at construction —
// generalized here from one gocron job per backup policy to two fixed
// 1Hz jobs: heartbeat liveness and task-timeout/fragment-expiry.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/duskrelay/beacon/internal/fragment"
	"github.com/duskrelay/beacon/internal/metrics"
	"github.com/duskrelay/beacon/internal/session"
	"github.com/duskrelay/beacon/internal/task"
)

// sweepInterval is the spec's fixed 1Hz sweeper cadence (§5).
const sweepInterval = time.Second

// Scheduler wraps gocron and runs the heartbeat and task-timeout sweeps.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron    gocron.Scheduler
	logger  *zap.Logger
	metrics *metrics.Set
}

// New creates a Scheduler with its two sweeper jobs registered but not yet
// running — call Start to begin ticking.
func New(sessions *session.Registry, engine *task.Engine, reassembler *fragment.Reassembler, onAgentDisconnect func(*session.Agent), m *metrics.Set, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	s := &Scheduler{cron: cron, logger: logger.Named("scheduler"), metrics: m}

	if _, err := cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			sessions.Sweep(onAgentDisconnect)
			s.refreshSessionGauges(sessions)
		}),
		gocron.WithTags("heartbeat-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to register heartbeat sweep job: %w", err)
	}

	if _, err := cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			timedOut := engine.SweepTimeouts()
			evicted := reassembler.Sweep()
			if m != nil {
				m.ActiveFragmentSets.Set(float64(reassembler.InFlightCount()))
			}
			if timedOut > 0 || evicted > 0 {
				s.logger.Debug("sweep pass",
					zap.Int("tasks_timed_out", timedOut),
					zap.Int("fragment_sets_evicted", evicted),
				)
			}
		}),
		gocron.WithTags("timeout-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to register timeout sweep job: %w", err)
	}

	return s, nil
}

// Start begins running both sweeper jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", sweepInterval))
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any in-flight sweep pass to finish before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// refreshSessionGauges recomputes the per-state active-session gauge.
// Cheap enough to run every tick: GetAll is an O(n) map copy under a
// read lock, same cost the sweep pass itself already pays.
func (s *Scheduler) refreshSessionGauges(sessions *session.Registry) {
	if s.metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, a := range sessions.GetAll() {
		counts[a.State().String()]++
	}
	for _, state := range []session.State{
		session.StateNew, session.StateConnected, session.StateRegistered,
		session.StateActive, session.StateInactive, session.StateDisconnected,
	} {
		s.metrics.ActiveSessions.WithLabelValues(state.String()).Set(float64(counts[state.String()]))
	}
}
