package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by WaitUntil when the condition never held.
var ErrWaitTimeout = errors.New("condition not met before timeout")

// Sleep pauses for d unless ctx finishes or the cancel flag is raised first.
// It is the settle-wait suspension point shared by the gate machine and the
// pager.
func Sleep(ctx context.Context, d time.Duration, flag CancelFlag) error {
	if err := checkCancelled(ctx, flag); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return contextError(ctx)
	case <-timer.C:
	}
	return checkCancelled(ctx, flag)
}

// WaitUntil polls cond every poll interval until it reports true, the timeout
// elapses, ctx finishes, or the cancel flag is raised. Errors from cond are
// remembered and returned wrapped in the timeout error, never immediately.
func WaitUntil(
	ctx context.Context,
	timeout, poll time.Duration,
	flag CancelFlag,
	cond func(context.Context) (bool, error),
) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		if err := checkCancelled(ctx, flag); err != nil {
			return err
		}
		ok, err := cond(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w: last error: %w", ErrWaitTimeout, lastErr)
			}
			return ErrWaitTimeout
		}
		if err := Sleep(ctx, min(poll, remaining), flag); err != nil {
			return err
		}
	}
}

func checkCancelled(ctx context.Context, flag CancelFlag) error {
	if flag != nil && flag.Cancelled() {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return contextError(ctx)
	}
	return nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return Wrap(KindCancelled, "", ctx.Err())
	}
	return ctx.Err()
}

// FlagContext derives a context that is cancelled once flag is raised. The
// watcher checks flag every poll interval and stops when the returned cancel
// function is called.
func FlagContext(ctx context.Context, flag CancelFlag, poll time.Duration) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(ctx)
	if flag == nil {
		return child, cancel
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-child.Done():
				return
			case <-ticker.C:
				if flag.Cancelled() {
					cancel()
					return
				}
			}
		}
	}()
	return child, cancel
}
