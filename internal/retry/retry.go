// Package retry runs an operation again after a fixed list of delays for
// as long as a predicate says its error is worth retrying.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Exponential returns n delays of scale * 2^i, i.e. scale, 2*scale,
// 4*scale, and so on.
func Exponential(n int, scale time.Duration) []time.Duration {
	delays := make([]time.Duration, n)
	for i := range delays {
		delays[i] = scale << i
	}
	return delays
}

// Executor wraps an operation with retries.
//
// With zero delays the operation runs exactly once.
type Executor struct {
	// Name identifies the operation in log messages.
	Name string
	// Delays are slept between consecutive attempts.
	Delays []time.Duration
	// IsRetryable decides whether an error is transient.  A nil
	// predicate retries nothing.
	IsRetryable func(error) bool
}

// delayList is a backoff.BackOff handing out a fixed sequence.
type delayList struct {
	delays []time.Duration
	next   int
}

func (d *delayList) NextBackOff() time.Duration {
	if d.next >= len(d.delays) {
		return backoff.Stop
	}
	d.next++
	return d.delays[d.next-1]
}

func (d *delayList) Reset() {
	d.next = 0
}

// Do calls op until it succeeds, fails with a non-retryable error, the
// delays run out, or ctx is done.  The last error of op is returned.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if e.IsRetryable == nil || !e.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("retrying", "op", e.Name, "attempt", attempt, "max_attempts", len(e.Delays)+1, "delay", delay, "error", err)
	}
	b := backoff.WithContext(&delayList{delays: e.Delays}, ctx)
	return backoff.RetryNotify(wrapped, b, notify)
}
