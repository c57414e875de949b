package mirror

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// fanOut runs work for every item on at most limit goroutines and hands
// each result to collect on the calling goroutine, so collect may write to
// the dedup index without further locking.
//
// The first error from collect stops dispatching new items.  Workers
// already running are not cancelled; their results are drained and
// discarded.  The first error is returned.
func fanOut[T, R any](ctx context.Context, limit int, items []T,
	work func(context.Context, T) R, collect func(R) error) error {
	results := make(chan R)
	var stop atomic.Bool

	go func() {
		// Signal the end of results by closing the channel.
		defer close(results)

		var workers errgroup.Group
		workers.SetLimit(limit)
		for _, item := range items {
			if stop.Load() || ctx.Err() != nil {
				break
			}
			workers.Go(func() error {
				results <- work(ctx, item)
				return nil
			})
		}
		_ = workers.Wait()
	}()

	var firstErr error
	for r := range results {
		if firstErr != nil {
			continue
		}
		if err := collect(r); err != nil {
			// Don't return immediately. Keep draining the channel
			// to prevent deadlocking the workers.
			firstErr = err
			stop.Store(true)
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return firstErr
}
