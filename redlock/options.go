package redlock

import "time"

const (
	// DefaultTTL is the lock expiry used when WithTTL is not given.
	DefaultTTL = 30 * time.Second
	// DefaultKeyPrefix prefixes every lock key.
	DefaultKeyPrefix = "eventfn:lock:"
)

type options struct {
	ttl       time.Duration
	keyPrefix string
}

func defaultOptions() options {
	return options{
		ttl:       DefaultTTL,
		keyPrefix: DefaultKeyPrefix,
	}
}

// Option configures a Client.
type Option func(*options)

// WithTTL sets how long a lock lives unless refreshed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithKeyPrefix sets the prefix of lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}
