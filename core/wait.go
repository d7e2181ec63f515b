package core

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

// WaitUntil repeatedly calls condition until it returns true, an error, the
// context is cancelled, or timeout elapses. interval is the time to wait
// between calls. Exceeding the bound is reported as *ErrOperationFailed, not
// retried further.
func WaitUntil(ctx context.Context, logger *slog.Logger, goal string, condition func(context.Context) (bool, error), interval time.Duration, timeout time.Duration) error {
	done, err := condition(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	logger.Info("waiting until " + goal)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
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
		case <-deadline.C:
			return &ErrOperationFailed{Op: "wait until " + goal, Err: context.DeadlineExceeded}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
