package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	defaultTxRetries      = 10
	defaultRetryInitial   = 5 * time.Millisecond
	defaultRetryMax       = 250 * time.Millisecond
	defaultRedisKeyPrefix = "eventfn:"
)

// errTxConflict signals that a single transaction attempt lost an optimistic check.
var errTxConflict = errors.New("docstore: optimistic check failed")

type options struct {
	maxBatchSize int
	txRetries    uint64
	retryInitial time.Duration
	retryMax     time.Duration
	keyPrefix    string
	clock        func() time.Time
}

func defaultOptions() options {
	return options{
		maxBatchSize: DefaultMaxBatchSize,
		txRetries:    defaultTxRetries,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		keyPrefix:    defaultRedisKeyPrefix,
		clock:        time.Now,
	}
}

// Option configures a store.
type Option func(*options)

// WithMaxBatchSize sets the largest number of writes accepted by one batch.
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatchSize = n
		}
	}
}

// WithTxRetries sets how many times a conflicting transaction is re-run.
func WithTxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.txRetries = uint64(n)
		}
	}
}

// WithRetryBackoff sets the initial and maximum delay between transaction attempts.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.retryInitial = initial
		}
		if max >= initial && max > 0 {
			o.retryMax = max
		}
	}
}

// WithKeyPrefix namespaces every Redis key written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithClock sets the clock used to resolve ServerTimestamp in the memory store.
// The Redis store always uses the Redis server clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// retryConflicts runs attempt until it succeeds, fails with something other than
// an optimistic conflict, runs out of retries or ctx is done.
func (o options) retryConflicts(ctx context.Context, attempt func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.retryInitial),
		backoff.WithMaxInterval(o.retryMax),
		backoff.WithMaxElapsedTime(0),
	), o.txRetries), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := attempt()
		if err == nil {
			return nil
		}
		if errors.Is(err, errTxConflict) {
			log.Debug().Int("attempt", attempts).Msg("transaction conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if errors.Is(err, errTxConflict) {
		log.Warn().Int("attempts", attempts).Msg("transaction retries exhausted")
		return fmt.Errorf("%w after %d attempts", ErrConflict, attempts)
	}
	return err
}
