// Package async runs fire-and-forget background tasks with bounded lifetimes.
package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTaskTimeout = 30 * time.Second

// Submitter dispatches best-effort background tasks. Task failures are logged
// and never propagated to the submitting request.
type Submitter struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewSubmitter returns a ready Submitter.
func NewSubmitter(logger *zap.Logger) *Submitter {
	return &Submitter{logger: logger, timeout: defaultTaskTimeout}
}

// Submit schedules fn on its own goroutine with a bounded context. Tasks
// submitted after Shutdown are dropped with a warning.
func (s *Submitter) Submit(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log().Warn("background task dropped after shutdown", zap.String("task", name))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log().Warn("background task failed",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		s.log().Debug("background task completed",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)))
	}()
}

// Shutdown stops accepting tasks and waits for in-flight ones, up to the
// context deadline.
func (s *Submitter) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Submitter) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
