package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drblury/flotilla/internal/runtime/crontab"
	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
	"github.com/drblury/flotilla/internal/runtime/logging"
)

// DefaultMaxConcurrent caps in-flight invocations per job.
const DefaultMaxConcurrent = 20

// State is a job loop's lifecycle position.
type State string

const (
	StateIdle     State = "idle"
	StateWaiting  State = "waiting"
	StateInvoking State = "invoking"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Func is the body of a scheduled job.
type Func func(ctx context.Context, firedAt time.Time) error

// Job describes a scheduled handler.
type Job struct {
	Name        string
	Trigger     Trigger
	Immediately bool
	Run         Func
}

// JobState is a point-in-time view of one job loop.
type JobState struct {
	Name     string
	State    State
	NextFire time.Time
	InFlight int64
	Invoked  int64
	Skipped  int64
	Failed   int64
}

// Observer receives per-invocation notifications, used for metrics.
type Observer interface {
	Invoked(job string)
	Skipped(job string)
	Failed(job string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent sets the per-job in-flight cap.
func WithMaxConcurrent(n int64) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver registers an invocation observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler runs one timer loop per job.
type Scheduler struct {
	logger        logging.ServiceLogger
	maxConcurrent int64
	now           func() time.Time
	observer      Observer

	mu      sync.Mutex
	jobs    []*jobLoop
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

type jobLoop struct {
	job Job
	sem *semaphore.Weighted

	mu    sync.Mutex
	state State
	next  time.Time

	inFlight atomic.Int64
	invoked  atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// New creates a Scheduler.
func New(logger logging.ServiceLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:        logger,
		maxConcurrent: DefaultMaxConcurrent,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs added after Start begin ticking immediately.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("%w: job %q", errspkg.ErrHandlerRequired, job.Name)
	}
	if job.Trigger == nil {
		return fmt.Errorf("%w: job %q has no trigger", errspkg.ErrInvalidSchedule, job.Name)
	}

	loop := &jobLoop{job: job, sem: semaphore.NewWeighted(s.maxConcurrent), state: StateIdle}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return errspkg.ErrNotStarted
	default:
	}
	s.jobs = append(s.jobs, loop)
	if s.started {
		s.launch(ctx, loop)
	}
	return nil
}

// Start launches every registered job loop. Loops run until Stop or ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrAlreadyStarted
	}
	s.started = true
	for _, loop := range s.jobs {
		s.launch(ctx, loop)
	}
	return nil
}

func (s *Scheduler) launch(ctx context.Context, loop *jobLoop) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.run(ctx, loop)
	}()
}

// Stop ends every loop, then waits for in-flight invocations or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.loops.Wait()

	for _, loop := range s.snapshot() {
		loop.setState(StateDraining)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, loop := range s.snapshot() {
		loop.setState(StateStopped)
	}
	return err
}

// Jobs reports the state of every job loop.
func (s *Scheduler) Jobs() []JobState {
	loops := s.snapshot()
	out := make([]JobState, 0, len(loops))
	for _, loop := range loops {
		loop.mu.Lock()
		st := JobState{Name: loop.job.Name, State: loop.state, NextFire: loop.next}
		loop.mu.Unlock()
		st.InFlight = loop.inFlight.Load()
		st.Invoked = loop.invoked.Load()
		st.Skipped = loop.skipped.Load()
		st.Failed = loop.failed.Load()
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) snapshot() []*jobLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*jobLoop(nil), s.jobs...)
}

func (s *Scheduler) run(ctx context.Context, loop *jobLoop) {
	log := s.logger.With(logging.LogFields{"job": loop.job.Name})
	defer loop.setState(StateStopped)

	if loop.job.Immediately {
		s.invoke(ctx, loop, log, s.now())
	}

	for {
		next, err := loop.job.Trigger.Next(s.now())
		if err != nil {
			if errors.Is(err, crontab.ErrNoNextOccurrence) {
				log.Info("Schedule has no further occurrences", nil)
			} else {
				log.Error("Schedule evaluation failed", err, nil)
			}
			return
		}
		loop.mu.Lock()
		loop.state = StateWaiting
		loop.next = next
		loop.mu.Unlock()

		// Sleep is derived from the clock each round so drift never accumulates.
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.now().Before(next) {
			continue
		}
		s.invoke(ctx, loop, log, next)
	}
}

func (s *Scheduler) invoke(ctx context.Context, loop *jobLoop, log logging.ServiceLogger, firedAt time.Time) {
	if !loop.sem.TryAcquire(1) {
		loop.skipped.Add(1)
		if s.observer != nil {
			s.observer.Skipped(loop.job.Name)
		}
		log.Warn("Skipping scheduled invocation, too many in flight", logging.LogFields{
			"max_concurrent": s.maxConcurrent,
			"fired_at":       firedAt,
		})
		return
	}

	loop.setState(StateInvoking)
	loop.inFlight.Add(1)
	loop.invoked.Add(1)
	if s.observer != nil {
		s.observer.Invoked(loop.job.Name)
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer loop.sem.Release(1)
		defer loop.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				loop.failed.Add(1)
				if s.observer != nil {
					s.observer.Failed(loop.job.Name)
				}
				log.Error("Scheduled handler panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
					"stack": string(debug.Stack()),
				})
			}
		}()

		// Invocations outlive the loop's context so Stop can wait for them.
		if err := loop.job.Run(context.WithoutCancel(ctx), firedAt); err != nil {
			loop.failed.Add(1)
			if s.observer != nil {
				s.observer.Failed(loop.job.Name)
			}
			log.Error("Scheduled handler failed", err, logging.LogFields{"fired_at": firedAt})
		}
	}()
}

func (l *jobLoop) setState(st State) {
	l.mu.Lock()
	l.state = st
	l.mu.Unlock()
}
