// Package redlock provides single-instance Redis locks (SET NX PX with a random
// token, released and refreshed through token-checked scripts).
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotAcquired is returned when the lock is held by someone else.
	ErrNotAcquired = errors.New("redlock: lock not acquired")
	// ErrNotHeld is returned when releasing or refreshing a lock that expired or
	// was taken over.
	ErrNotHeld = errors.New("redlock: lock not held")
)

// KEYS[1] lock key, ARGV[1] token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// KEYS[1] lock key, ARGV[1] token, ARGV[2] ttl in milliseconds
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Client hands out locks on one Redis deployment.
type Client struct {
	rdb  redis.Cmdable
	opts options
}

// NewClient creates a lock client.
func NewClient(rdb redis.Cmdable, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{rdb: rdb, opts: o}
}

// TTL is how long a lock lives unless refreshed.
func (c *Client) TTL() time.Duration {
	return c.opts.ttl
}

// Lock is a held lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// TryAcquire takes the lock named key without waiting.
// It returns ErrNotAcquired if someone else holds it.
func (c *Client) TryAcquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	fullKey := c.opts.keyPrefix + key

	ok, err := c.rdb.SetNX(ctx, fullKey, token, c.opts.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to execute setnx command")
		return nil, fmt.Errorf("redlock acquire %s: %w", key, err)
	}
	if !ok {
		log.Trace().Str("key", key).Msg("lock already held")
		return nil, ErrNotAcquired
	}

	log.Debug().Str("key", key).Dur("ttl", c.opts.ttl).Msg("lock acquired")
	return &Lock{client: c, key: fullKey, token: token}, nil
}

// Key returns the full Redis key of the lock.
func (l *Lock) Key() string {
	return l.key
}

// Token returns the random value identifying this holder.
func (l *Lock) Token() string {
	return l.token
}

// Refresh extends the lock by the client's TTL.
func (l *Lock) Refresh(ctx context.Context) error {
	ttl := l.client.opts.ttl.Milliseconds()
	n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl).Int64()
	if err != nil {
		return fmt.Errorf("redlock refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return fmt.Errorf("redlock release %s: %w", l.key, err)
	}
	if n == 0 {
		log.Warn().Str("key", l.key).Msg("unlock failed: lock expired or held by another instance")
		return ErrNotHeld
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}
