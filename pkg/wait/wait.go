package wait

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

// Until repeatedly calls condition until condition returns true or an error or the context is cancelled.
// interval is the time to wait between each call to condition.
func Until(ctx context.Context, logger *slog.Logger, goal string, condition func(context.Context) (bool, error), interval time.Duration) error {
	done, err := condition(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	logger.Info("waiting until " + goal)

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			done, err := condition(ctx)
			if err != nil {
				return err
			}
			if done {
				logger.Info(goal)
				return nil
			}
			logger.Debug("still waiting until " + goal)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
