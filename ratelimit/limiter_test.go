package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/auth"
	"github.com/toolink/eventfn/docstore"
	"github.com/toolink/eventfn/ratelimit"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, store docstore.Store, opts ...ratelimit.Option) *ratelimit.Limiter {
	t.Helper()
	cfg := ratelimit.DefaultConfig()
	require.NoError(t, cfg.ValidateAndPrepare())
	return ratelimit.NewLimiter(&cfg, store, opts...)
}

func newRedisStore(t *testing.T) (docstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return docstore.NewRedisStore(client, docstore.WithTxRetries(100)), mr
}

func stores(t *testing.T) map[string]docstore.Store {
	t.Helper()
	rs, _ := newRedisStore(t)
	return map[string]docstore.Store{
		docstore.DriverMemory: docstore.NewMemoryStore(docstore.WithTxRetries(100)),
		docstore.DriverRedis:  rs,
	}
}

func TestTwentyAllowedThenDenied(t *testing.T) {
	t.Parallel()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			limiter := newLimiter(t, store)
			ctx := t.Context()

			for i := range ratelimit.DefaultMaxPerWindow {
				now := start.Add(time.Duration(i) * time.Second)
				decision, err := limiter.CheckAndConsume(ctx, "alice", now)
				require.NoError(t, err, "call %d", i+1)
				assert.True(t, decision.Allowed)
				assert.EqualValues(t, i+1, decision.Count)
			}

			decision, err := limiter.CheckAndConsume(ctx, "alice", start.Add(30*time.Second))
			require.ErrorIs(t, err, apperr.ErrResourceExhausted)
			assert.False(t, decision.Allowed)
			assert.Zero(t, decision.Remaining)
			assert.Equal(t, start.Add(ratelimit.DefaultWindow), decision.ResetAt.UTC())

			// denied calls do not write
			doc, err := store.Get(ctx, "rateLimits/alice")
			require.NoError(t, err)
			assert.EqualValues(t, ratelimit.DefaultMaxPerWindow, doc.Int("count"))
			assert.True(t, start.Equal(doc.Time("lastReset")))
		})
	}
}

func TestWindowBoundaryAndReset(t *testing.T) {
	t.Parallel()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			limiter := newLimiter(t, store)
			ctx := t.Context()

			for range ratelimit.DefaultMaxPerWindow {
				_, err := limiter.CheckAndConsume(ctx, "bob", start)
				require.NoError(t, err)
			}

			// exactly at the window end the window still applies
			_, err := limiter.CheckAndConsume(ctx, "bob", start.Add(ratelimit.DefaultWindow))
			require.ErrorIs(t, err, apperr.ErrResourceExhausted)

			later := start.Add(ratelimit.DefaultWindow + time.Millisecond)
			decision, err := limiter.CheckAndConsume(ctx, "bob", later)
			require.NoError(t, err)
			assert.True(t, decision.Allowed)
			assert.EqualValues(t, 1, decision.Count)

			doc, err := store.Get(ctx, "rateLimits/bob")
			require.NoError(t, err)
			assert.EqualValues(t, 1, doc.Int("count"))
			assert.True(t, later.Equal(doc.Time("lastReset")))
		})
	}
}

func TestConcurrentLastSlot(t *testing.T) {
	t.Parallel()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			limiter := newLimiter(t, store)
			ctx := t.Context()

			for range ratelimit.DefaultMaxPerWindow - 1 {
				_, err := limiter.CheckAndConsume(ctx, "carol", start)
				require.NoError(t, err)
			}

			const callers = 2
			var wg sync.WaitGroup
			results := make(chan error, callers)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := limiter.CheckAndConsume(ctx, "carol", start.Add(time.Second))
					results <- err
				}()
			}
			wg.Wait()
			close(results)

			allowed, denied := 0, 0
			for err := range results {
				switch {
				case err == nil:
					allowed++
				case assert.ErrorIs(t, err, apperr.ErrResourceExhausted):
					denied++
				}
			}
			assert.Equal(t, 1, allowed)
			assert.Equal(t, 1, denied)
		})
	}
}

func TestConcurrentBurstNeverOverAllows(t *testing.T) {
	t.Parallel()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			limiter := newLimiter(t, store)
			ctx := t.Context()

			const callers = 30
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := limiter.CheckAndConsume(ctx, "dave", start)
					if err == nil {
						mu.Lock()
						allowed++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, apperr.ErrResourceExhausted)
				}()
			}
			wg.Wait()
			assert.Equal(t, ratelimit.DefaultMaxPerWindow, allowed)
		})
	}
}

func TestIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()
	store := docstore.NewMemoryStore()
	limiter := newLimiter(t, store)
	ctx := t.Context()

	for range ratelimit.DefaultMaxPerWindow {
		_, err := limiter.CheckAndConsume(ctx, "erin", start)
		require.NoError(t, err)
	}
	_, err := limiter.CheckAndConsume(ctx, "erin", start)
	require.ErrorIs(t, err, apperr.ErrResourceExhausted)

	decision, err := limiter.CheckAndConsume(ctx, "frank", start)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decision.Count)
	assert.EqualValues(t, ratelimit.DefaultMaxPerWindow-1, decision.Remaining)
}

func TestIdentityIsEscaped(t *testing.T) {
	t.Parallel()
	store := docstore.NewMemoryStore()
	limiter := newLimiter(t, store)

	_, err := limiter.CheckAndConsume(t.Context(), "tenant/user", start)
	require.NoError(t, err)

	ids, err := store.List(t.Context(), ratelimit.DefaultCollection)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant%2Fuser"}, ids)
}

func TestUnauthenticated(t *testing.T) {
	t.Parallel()
	limiter := newLimiter(t, docstore.NewMemoryStore())

	_, err := limiter.CheckAndConsume(t.Context(), "", start)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = limiter.Allow(t.Context())
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestAllowUsesContextIdentityAndClock(t *testing.T) {
	t.Parallel()
	store := docstore.NewMemoryStore()
	limiter := newLimiter(t, store, ratelimit.WithClock(func() time.Time { return start }))

	ctx := auth.WithIdentity(t.Context(), "grace")
	decision, err := limiter.Allow(ctx)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	doc, err := store.Get(ctx, "rateLimits/grace")
	require.NoError(t, err)
	assert.True(t, start.Equal(doc.Time("lastReset")))
}

func TestTransientStoreFailure(t *testing.T) {
	t.Parallel()
	store, mr := newRedisStore(t)
	limiter := newLimiter(t, store)
	mr.Close()

	decision, err := limiter.CheckAndConsume(t.Context(), "heidi", start)
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.NotErrorIs(t, err, apperr.ErrResourceExhausted)
	assert.False(t, decision.Allowed)
}

func TestCancelledContextIsTransient(t *testing.T) {
	t.Parallel()
	limiter := newLimiter(t, docstore.NewMemoryStore())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := limiter.CheckAndConsume(ctx, "ivan", start)
	require.ErrorIs(t, err, apperr.ErrTransient)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPeekAndReset(t *testing.T) {
	t.Parallel()
	store := docstore.NewMemoryStore()
	limiter := newLimiter(t, store)
	ctx := t.Context()

	decision, err := limiter.Peek(ctx, "judy", start)
	require.NoError(t, err)
	assert.EqualValues(t, ratelimit.DefaultMaxPerWindow, decision.Remaining)

	for range 5 {
		_, err := limiter.CheckAndConsume(ctx, "judy", start)
		require.NoError(t, err)
	}

	decision, err = limiter.Peek(ctx, "judy", start.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 5, decision.Count)
	assert.EqualValues(t, 15, decision.Remaining)

	// peeking does not consume
	decision, err = limiter.Peek(ctx, "judy", start.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 5, decision.Count)

	require.NoError(t, limiter.Reset(ctx, "judy"))
	decision, err = limiter.CheckAndConsume(ctx, "judy", start.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, decision.Count)
}
