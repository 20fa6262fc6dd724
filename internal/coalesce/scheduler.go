// Package coalesce implements a debounced single-flight runner.
//
// A Scheduler collapses bursts of Trigger calls into one run that starts Delay
// after the last trigger. At most one run is in flight; a timer that fires while
// a run is in flight queues exactly one follow-up run, which starts as soon as
// the in-flight run returns.
package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrClosed = errors.New("scheduler closed")

type Config struct {
	Name   string
	Delay  time.Duration
	Run    func(ctx context.Context)
	Logger *slog.Logger
}

type Scheduler struct {
	name   string
	delay  time.Duration
	run    func(ctx context.Context)
	logger *slog.Logger

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	running   bool
	rerun     bool
	closed    bool
	idle      chan struct{}
	observers []func(busy bool)
	wg        sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		name:   cfg.Name,
		delay:  cfg.Delay,
		run:    cfg.Run,
		logger: logger,
		idle:   idle,
	}
}

// OnChange registers fn for busy/idle edges. fn is called outside the lock.
func (s *Scheduler) OnChange(fn func(busy bool)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Trigger cancels any armed timer and arms a new one.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("coalesce: trigger after close", "scheduler", s.name)
		return
	}
	wasBusy := s.busyLocked()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
	notify := s.settleLocked(wasBusy)
	s.mu.Unlock()
	notify()
}

// Busy reports whether a timer is armed, a run is in flight, or a follow-up is queued.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

// Wait blocks until the scheduler is idle or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush runs pending work immediately instead of waiting for the timer, then
// waits for the scheduler to go idle.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
		if s.running {
			s.rerun = true
		} else {
			s.running = true
			s.wg.Add(1)
			s.mu.Unlock()
			s.loop()
			return s.Wait(ctx)
		}
	}
	s.mu.Unlock()
	return s.Wait(ctx)
}

// Close invalidates the armed timer, drops any queued follow-up, rejects future
// triggers and waits for the in-flight run to return. The in-flight run is never aborted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	wasBusy := s.busyLocked()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.rerun = false
	notify := s.settleLocked(wasBusy)
	s.mu.Unlock()
	notify()
	s.wg.Wait()
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		s.run(context.Background())

		s.mu.Lock()
		if s.rerun && !s.closed {
			s.rerun = false
			s.mu.Unlock()
			continue
		}
		wasBusy := s.busyLocked()
		s.running = false
		s.rerun = false
		notify := s.settleLocked(wasBusy)
		s.mu.Unlock()
		notify()
		return
	}
}

func (s *Scheduler) busyLocked() bool {
	return s.timer != nil || s.running || s.rerun
}

// settleLocked swaps the idle channel on a busy edge and returns the observer
// notification to run once the lock is released.
func (s *Scheduler) settleLocked(wasBusy bool) func() {
	busy := s.busyLocked()
	if busy == wasBusy {
		return func() {}
	}
	if busy {
		s.idle = make(chan struct{})
	} else {
		close(s.idle)
	}
	observers := append([]func(bool){}, s.observers...)
	return func() {
		for _, fn := range observers {
			fn(busy)
		}
	}
}
