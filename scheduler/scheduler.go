// Package scheduler runs periodic jobs. When a lock client is configured every
// run takes a Redis lock named after the job and refreshes it until the run
// ends, so replicas sharing Redis do not run the same job at the same time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/redlock"
)

// ErrSkipped is returned by RunNow when another holder owns the job lock.
var ErrSkipped = errors.New("job skipped: already running elsewhere")

// ErrLockLost is the cancellation cause of a run whose lock could not be refreshed.
var ErrLockLost = errors.New("job lock lost")

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job         Job
	interval    time.Duration
	runOnStart  bool
	lastErr     error
	lastRun     time.Time
	runs, fails int
}

// Scheduler owns a set of jobs and their tickers.
type Scheduler struct {
	locks *redlock.Client

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocks guards every run with a lock from locks.
func WithLocks(locks *redlock.Client) Option {
	return func(s *Scheduler) {
		s.locks = locks
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job to run every interval. With runOnStart the first run
// happens as soon as the scheduler starts instead of after one interval.
func (s *Scheduler) Add(job Job, interval time.Duration, runOnStart bool) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", job.Name(), interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name()]; exists {
		return fmt.Errorf("job %s already scheduled", job.Name())
	}
	s.entries[job.Name()] = &entry{job: job, interval: interval, runOnStart: runOnStart}
	return nil
}

// Name implements lifecycle.Component.
func (s *Scheduler) Name() string {
	return "scheduler"
}

// Start launches one goroutine per job. The goroutines outlive ctx's
// request scope and stop on Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(runCtx, e)
		log.Info().Str("job", e.job.Name()).Dur("interval", e.interval).Bool("run_on_start", e.runOnStart).Msg("job scheduled")
	}
	return nil
}

// Stop cancels running jobs and waits for their goroutines, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow runs the named job once, outside its schedule, under the same lock.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.runOnStart {
		s.runLogged(ctx, e)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("job", e.job.Name()).Msg("job loop stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx, e)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context, e *entry) {
	err := s.run(ctx, e)
	switch {
	case err == nil:
	case errors.Is(err, ErrSkipped):
		log.Debug().Str("job", e.job.Name()).Msg("job skipped, lock held elsewhere")
	default:
		log.Error().Err(err).Str("job", e.job.Name()).Msg("scheduled job failed")
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	name := e.job.Name()

	if s.locks != nil {
		lock, err := s.locks.TryAcquire(ctx, name)
		if errors.Is(err, redlock.ErrNotAcquired) {
			return ErrSkipped
		}
		if err != nil {
			return fmt.Errorf("job %s lock: %w", name, err)
		}

		var stop func()
		ctx, stop = s.keepAlive(ctx, name, lock)
		defer func() {
			stop()
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("job", name).Msg("failed to release job lock")
			}
		}()
	}

	started := time.Now()
	err := e.job.Run(ctx)
	if cause := context.Cause(ctx); err != nil && errors.Is(cause, ErrLockLost) {
		err = fmt.Errorf("job %s: %w: %w", name, cause, err)
	}

	s.mu.Lock()
	e.runs++
	e.lastRun = started
	e.lastErr = err
	if err != nil {
		e.fails++
	}
	s.mu.Unlock()

	log.Debug().Str("job", name).Dur("duration", time.Since(started)).Bool("ok", err == nil).Msg("job run finished")
	return err
}

// keepAlive refreshes lock every half TTL while the job runs. If the lock
// cannot be refreshed the returned context is cancelled with ErrLockLost.
// stop ends the refresh loop and waits for it.
func (s *Scheduler) keepAlive(ctx context.Context, name string, lock *redlock.Lock) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(s.locks.TTL()/2, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			if err := lock.Refresh(runCtx); err != nil {
				if runCtx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("job", name).Msg("job lock lost, cancelling run")
				cancel(fmt.Errorf("%w: %w", ErrLockLost, err))
				return
			}
			log.Trace().Str("job", name).Msg("job lock refreshed")
		}
	}()

	return runCtx, func() {
		cancel(nil)
		<-done
	}
}

// Status is a snapshot of a job's run history.
type Status struct {
	Name     string
	Interval time.Duration
	Runs     int
	Failures int
	LastRun  time.Time
	LastErr  error
}

// Status reports the named job's history.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return Status{}, false
	}
	return Status{
		Name:     name,
		Interval: e.interval,
		Runs:     e.runs,
		Failures: e.fails,
		LastRun:  e.lastRun,
		LastErr:  e.lastErr,
	}, true
}
