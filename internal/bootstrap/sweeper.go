package bootstrap

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/trycompai/comp-sub003/internal/repository"
)

const sweepInterval = time.Minute

// StartStateSweeper runs a periodic cleanup of expired OAuth states for the
// lifetime of the application.
func StartStateSweeper(lc fx.Lifecycle, states repository.StateStore, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						sweepCtx, sweepCancel := context.WithTimeout(runCtx, 30*time.Second)
						removed, err := states.DeleteExpired(sweepCtx)
						sweepCancel()
						if err != nil {
							logger.Warn("oauth state sweep failed", zap.Error(err))
							continue
						}
						if removed > 0 {
							logger.Debug("swept expired oauth states", zap.Int("removed", removed))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
