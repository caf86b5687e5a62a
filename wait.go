package regtest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrTimeout is returned by WaitUntil when the condition doesn't hold before
// the timeout.
var ErrTimeout = errors.New("timed out")

// errNotYet makes backoff retry when a condition is not met yet.
var errNotYet = errors.New("condition not met")

// Condition is polled by WaitUntil. It returns true once the awaited state is
// reached. A returned error is remembered and polling goes on, unless the
// error was wrapped with Permanent, which stops polling immediately.
type Condition func() (bool, error)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type conditionResult struct {
	ok  bool
	err error
}

// WaitUntil polls cond every interval until it returns true, returns a
// permanent error, or timeout elapses.
//
// The timeout holds even while cond is still running: an RPC call stuck on
// an unreachable node is abandoned once time is up.
//
// Returns:
//   - nil once cond returned true
//   - the unwrapped error of a Permanent error returned by cond
//   - ctx.Err() when ctx is done first
//   - an error wrapping ErrTimeout, mentioning the last error cond returned
//
// Example:
//
//	err := regtest.WaitUntil(ctx, 100*time.Millisecond, time.Minute, func() (bool, error) {
//	    count, err := rt.GetBlockCount()
//	    if err != nil {
//	        return false, regtest.Permanent(err)
//	    }
//	    return count >= 101, nil
//	})
func WaitUntil(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr, permanentErr error
	inFlight := false
	operation := func() error {
		// Buffered so an abandoned evaluation can always finish.
		done := make(chan conditionResult, 1)
		go func() {
			ok, err := cond()
			done <- conditionResult{ok: ok, err: err}
		}()

		var res conditionResult
		select {
		case res = <-done:
		case <-waitCtx.Done():
			inFlight = true
			return backoff.Permanent(waitCtx.Err())
		}

		if res.err != nil {
			var permanent *backoff.PermanentError
			if errors.As(res.err, &permanent) {
				permanentErr = permanent.Err
			} else {
				lastErr = res.err
			}
			return res.err
		}
		if !res.ok {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx))
	if err == nil {
		return nil
	}
	if permanentErr != nil {
		return permanentErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitCtx.Err() != nil {
		switch {
		case lastErr != nil:
			return errors.Wrapf(ErrTimeout, "after %s (last error: %s)", timeout, lastErr)
		case inFlight:
			return errors.Wrapf(ErrTimeout, "after %s (condition still running)", timeout)
		}
		return errors.Wrapf(ErrTimeout, "after %s", timeout)
	}
	return err
}
