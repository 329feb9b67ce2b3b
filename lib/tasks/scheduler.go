// Package tasks runs background work owned by the plugin and tears it down
// when the plugin unloads.
package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// ErrStopped is returned when scheduling on a stopped Scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of background work. ctx is cancelled when the scheduler
// stops.
type Task func(ctx context.Context)

// Scheduler runs named tasks and cancels them all on Stop.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
	tomb    *tomb.Tomb
	ctx     context.Context
	pending atomic.Int64
}

// NewScheduler creates a running Scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger: logger,
		tomb:   &tomb.Tomb{},
		ctx:    ctx,
	}

	// Keeps the tomb alive until Stop so Go never races a dead tomb.
	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		cancel()
		return nil
	})
	return s
}

// Go runs task on its own goroutine.
func (s *Scheduler) Go(name string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	s.pending.Add(1)
	s.tomb.Go(func() error {
		defer s.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()

		task(s.ctx)
		return nil
	})
	return nil
}

// After runs task once delay has elapsed. The task is dropped if the
// scheduler stops first.
func (s *Scheduler) After(name string, delay time.Duration, task Task) error {
	return s.Go(name, func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			s.logger.Debug("task cancelled before it ran", zap.String("task", name))
			return
		case <-timer.C:
		}
		task(ctx)
	})
}

// Pending returns the number of tasks that have not returned yet.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// Stop cancels every task and waits for them to return or for ctx to end.
// Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.tomb.Kill(nil)

	done := make(chan error, 1)
	go func() {
		done <- s.tomb.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
