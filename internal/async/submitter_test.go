package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRunsTask(t *testing.T) {
	s := NewSubmitter(zap.NewNop())

	var ran atomic.Bool
	s.Submit("probe", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, s.Shutdown(context.Background()))
	require.True(t, ran.Load())
}

func TestSubmitSwallowsFailures(t *testing.T) {
	s := NewSubmitter(zap.NewNop())

	s.Submit("failing", func(ctx context.Context) error {
		return errors.New("upstream unavailable")
	})

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSubmitAfterShutdownDropsTask(t *testing.T) {
	s := NewSubmitter(zap.NewNop())
	require.NoError(t, s.Shutdown(context.Background()))

	var ran atomic.Bool
	s.Submit("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	// The task is dropped synchronously, but give any stray goroutine a beat.
	time.Sleep(10 * time.Millisecond)
	require.False(t, ran.Load())
}

func TestShutdownHonorsDeadline(t *testing.T) {
	s := NewSubmitter(zap.NewNop())

	release := make(chan struct{})
	s.Submit("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}
