package es

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOnConflict runs do until it succeeds, gives up, or maxElapsed has
// passed. Only ConcurrencyError failures are retried; every other error
// is final. The conflict handling contract stands: the store never retries
// a failed concurrency check itself, so do must re-read the current
// version and build a fresh append attempt on every call.
//
//	ev, err := es.RetryOnConflict(ctx, 5*time.Second, func() (*es.Event, error) {
//		v, err := store.AggregateVersion(ctx, id)
//		if err != nil {
//			return nil, err
//		}
//		return store.Append(ctx, id, "Renamed", payload, es.WithExpectedVersion(v))
//	})
func RetryOnConflict(ctx context.Context, maxElapsed time.Duration, do func() (*Event, error)) (*Event, error) {
	operation := func() (*Event, error) {
		ev, err := do()
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return ev, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond

	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(maxElapsed))
}
