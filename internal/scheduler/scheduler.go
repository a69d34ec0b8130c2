// Package scheduler runs the two background ticks row-execution needs
// outside of any single request: the periodic page-compaction ("optimize")
// pass and the checkpoint (LCP) tick. It is a narrowed adaptation of the
// teacher's internal/storage/scheduler.go — that Scheduler drove arbitrary
// CRON/INTERVAL/ONCE catalog jobs executing SQL text through a JobExecutor
// port; this one has exactly two fixed jobs, driven by the same
// robfig/cron/v3 engine and the same running-job overlap guard, with the
// SQL-executor port replaced by plain closures since there is no SQL layer
// left to execute against.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SimonWaldherr/tinySQL/internal/logging"
	"github.com/SimonWaldherr/tinySQL/internal/metrics"
)

// OptimizeFunc runs one optimize pass and reports bytes reclaimed.
type OptimizeFunc func() int

// CheckpointFunc runs one checkpoint (LCP) tick.
type CheckpointFunc func(ctx context.Context) error

// Scheduler owns the two periodic ticks' cron registration and overlap
// guards, mirroring the teacher's no_overlap job-execution tracking.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New returns a Scheduler whose jobs have not yet been registered.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		running: make(map[string]bool),
	}
}

// RegisterOptimize schedules fn to run every intervalSec seconds, skipping
// a firing if the previous run is still in flight (the teacher's
// NoOverlap guard, here always on since a second concurrent compaction of
// the same fragment would race its own free-space index updates).
func (s *Scheduler) RegisterOptimize(intervalSec int, fn OptimizeFunc) {
	if intervalSec <= 0 {
		intervalSec = 300
	}
	spec := cron.Every(time.Duration(intervalSec) * time.Second)
	s.cron.Schedule(spec, cron.FuncJob(func() {
		if !s.enter("optimize") {
			return
		}
		defer s.leave("optimize")
		metrics.OptimizeRunsTotal.Inc()
		reclaimed := fn()
		metrics.OptimizeBytesReclaimed.Add(float64(reclaimed))
		logging.Logger.Debug().Int("bytes_reclaimed", reclaimed).Msg("optimize_run")
	}))
}

// RegisterCheckpoint schedules fn to run every intervalSec seconds under
// the same overlap guard.
func (s *Scheduler) RegisterCheckpoint(intervalSec int, fn CheckpointFunc) {
	if intervalSec <= 0 {
		intervalSec = 300
	}
	spec := cron.Every(time.Duration(intervalSec) * time.Second)
	s.cron.Schedule(spec, cron.FuncJob(func() {
		if !s.enter("checkpoint") {
			return
		}
		defer s.leave("checkpoint")
		metrics.CheckpointRunsTotal.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			logging.Logger.Warn().Err(err).Msg("checkpoint_run_failed")
			return
		}
		logging.Logger.Debug().Msg("checkpoint_run")
	}))
}

func (s *Scheduler) enter(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) leave(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
