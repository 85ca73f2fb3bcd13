package docstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/docstore"
)

type storeFactory func(t *testing.T, opts ...docstore.Option) docstore.Store

func memoryFactory(t *testing.T, opts ...docstore.Option) docstore.Store {
	t.Helper()
	return docstore.NewMemoryStore(opts...)
}

func redisFactory(t *testing.T, opts ...docstore.Option) docstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return docstore.NewRedisStore(client, opts...)
}

var factories = map[string]storeFactory{
	docstore.DriverMemory: memoryFactory,
	docstore.DriverRedis:  redisFactory,
}

func forEachStore(t *testing.T, test func(t *testing.T, newStore storeFactory)) {
	t.Helper()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			test(t, factory)
		})
	}
}

func TestSetGetUpdate(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		_, err := store.Get(ctx, "chats/c1")
		require.ErrorIs(t, err, apperr.ErrNotFound)

		err = store.Update(ctx, "chats/c1", docstore.Fields{"lastMessage": "hi"})
		require.ErrorIs(t, err, apperr.ErrNotFound)

		err = store.Set(ctx, "chats/c1", docstore.Fields{
			"participants": []string{"alice", "bob"},
			"lastMessage":  "",
		})
		require.NoError(t, err)

		err = store.Update(ctx, "chats/c1", docstore.Fields{
			"lastMessage":   "hello",
			"lastMessageAt": docstore.ServerTimestamp,
		})
		require.NoError(t, err)

		doc, err := store.Get(ctx, "chats/c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", doc.ID())
		assert.Equal(t, "hello", doc.String("lastMessage"))
		assert.Equal(t, []string{"alice", "bob"}, doc.Strings("participants"))
		assert.WithinDuration(t, time.Now(), doc.Time("lastMessageAt"), time.Minute)
		assert.False(t, doc.Has("missing"))
		assert.Zero(t, doc.Int("missing"))
	})
}

func TestSetReplacesDocument(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Set(ctx, "users/u1", docstore.Fields{"fcmToken": "tok", "name": "u"}))
		require.NoError(t, store.Set(ctx, "users/u1", docstore.Fields{"name": "v"}))

		doc, err := store.Get(ctx, "users/u1")
		require.NoError(t, err)
		assert.False(t, doc.Has("fcmToken"))
		assert.Equal(t, "v", doc.String("name"))
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Set(ctx, "rateLimits/u1", docstore.Fields{"count": 3}))
		require.NoError(t, store.Delete(ctx, "rateLimits/u1"))
		require.NoError(t, store.Delete(ctx, "rateLimits/u1"))

		_, err := store.Get(ctx, "rateLimits/u1")
		require.ErrorIs(t, err, apperr.ErrNotFound)

		ids, err := store.List(ctx, "rateLimits")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestInvalidPaths(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		_, err := store.Get(ctx, "events")
		require.ErrorIs(t, err, docstore.ErrInvalidPath)

		_, err = store.List(ctx, "events/e1")
		require.ErrorIs(t, err, docstore.ErrInvalidPath)

		err = store.Set(ctx, "events//x", docstore.Fields{})
		require.ErrorIs(t, err, docstore.ErrInvalidPath)
	})
}

func TestListAndCount(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Set(ctx, "events/e2", docstore.Fields{"name": "b"}))
		require.NoError(t, store.Set(ctx, "events/e1", docstore.Fields{"name": "a"}))

		statuses := []string{"going", "going", "maybe", "going", "not_going"}
		for i, status := range statuses {
			path := docstore.Doc("events", "e1", "rsvps", fmt.Sprintf("r%d", i))
			require.NoError(t, store.Set(ctx, path, docstore.Fields{"status": status}))
		}

		ids, err := store.List(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2"}, ids)

		going, err := store.Count(ctx, "events/e1/rsvps", "status", "going")
		require.NoError(t, err)
		assert.EqualValues(t, 3, going)

		none, err := store.Count(ctx, "events/e2/rsvps", "status", "going")
		require.NoError(t, err)
		assert.Zero(t, none)
	})
}

func TestTransactionReadModifyWrite(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, docstore.WithTxRetries(200), docstore.WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
		ctx := t.Context()

		const workers = 16
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
					doc, err := tx.Get(ctx, "counters/c")
					if errors.Is(err, apperr.ErrNotFound) {
						tx.Set("counters/c", docstore.Fields{"n": 1})
						return nil
					}
					if err != nil {
						return err
					}
					tx.Update("counters/c", docstore.Fields{"n": doc.Int("n") + 1})
					return nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		doc, err := store.Get(ctx, "counters/c")
		require.NoError(t, err)
		assert.EqualValues(t, workers, doc.Int("n"))
	})
}

func TestTransactionAbortsWithoutWriting(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()
		require.NoError(t, store.Set(ctx, "counters/c", docstore.Fields{"n": 5}))

		errDenied := errors.New("denied")
		err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			if _, err := tx.Get(ctx, "counters/c"); err != nil {
				return err
			}
			return errDenied
		})
		require.ErrorIs(t, err, errDenied)

		doc, err := store.Get(ctx, "counters/c")
		require.NoError(t, err)
		assert.EqualValues(t, 5, doc.Int("n"))
	})
}

func TestTransactionUpdateMissing(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)

		err := store.RunTransaction(t.Context(), func(ctx context.Context, tx docstore.Tx) error {
			tx.Update("counters/none", docstore.Fields{"n": 1})
			return nil
		})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestTransactionReadAfterWrite(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)

		err := store.RunTransaction(t.Context(), func(ctx context.Context, tx docstore.Tx) error {
			tx.Set("counters/a", docstore.Fields{"n": 1})
			_, err := tx.Get(ctx, "counters/a")
			return err
		})
		require.ErrorIs(t, err, docstore.ErrReadAfterWrite)
	})
}

func TestTransactionCancelledContext(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
			_, err := tx.Get(ctx, "counters/a")
			if errors.Is(err, apperr.ErrNotFound) {
				tx.Set("counters/a", docstore.Fields{"n": 1})
				return nil
			}
			return err
		})
		require.Error(t, err)

		_, err = store.Get(context.Background(), "counters/a")
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestBatch(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, docstore.WithMaxBatchSize(3))
		ctx := t.Context()
		assert.Equal(t, 3, store.MaxBatchSize())

		require.NoError(t, store.Set(ctx, "events/e1", docstore.Fields{"name": "a"}))

		batch := store.NewBatch()
		batch.UpdateIfExists("events/e1", docstore.Fields{"trendingScore": 50.0})
		batch.UpdateIfExists("events/e2", docstore.Fields{"trendingScore": 0.0})
		batch.Set("events/e3", docstore.Fields{"trendingScore": 10.0})
		assert.Equal(t, 3, batch.Len())
		require.NoError(t, batch.Commit(ctx))

		doc, err := store.Get(ctx, "events/e1")
		require.NoError(t, err)
		assert.Equal(t, "a", doc.String("name"))
		assert.InDelta(t, 50.0, doc.Float("trendingScore"), 0)

		// missing documents are skipped, not created
		_, err = store.Get(ctx, "events/e2")
		require.ErrorIs(t, err, apperr.ErrNotFound)

		ids, err := store.List(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e3"}, ids)

		tooBig := store.NewBatch()
		for i := range 4 {
			tooBig.UpdateIfExists(docstore.Doc("events", fmt.Sprintf("x%d", i)), docstore.Fields{"trendingScore": 1.0})
		}
		require.ErrorIs(t, tooBig.Commit(ctx), docstore.ErrBatchTooLarge)

		ids, err = store.List(ctx, "events")
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	})
}

func TestBatchUpdateIfExistsAfterDelete(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t)
		ctx := t.Context()

		require.NoError(t, store.Set(ctx, "events/kept", docstore.Fields{"title": "kept"}))
		require.NoError(t, store.Set(ctx, "events/gone", docstore.Fields{"title": "gone"}))

		batch := store.NewBatch()
		batch.UpdateIfExists("events/kept", docstore.Fields{"trendingScore": 20.0})
		batch.UpdateIfExists("events/gone", docstore.Fields{"trendingScore": 10.0})
		require.NoError(t, store.Delete(ctx, "events/gone"))
		require.NoError(t, batch.Commit(ctx))

		doc, err := store.Get(ctx, "events/kept")
		require.NoError(t, err)
		assert.Equal(t, "kept", doc.String("title"))
		assert.InDelta(t, 20.0, doc.Float("trendingScore"), 0)

		_, err = store.Get(ctx, "events/gone")
		require.ErrorIs(t, err, apperr.ErrNotFound)
		ids, err := store.List(ctx, "events")
		require.NoError(t, err)
		assert.Equal(t, []string{"kept"}, ids)
	})
}

func TestMemoryServerTimestampUsesClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := docstore.NewMemoryStore(docstore.WithClock(func() time.Time { return fixed }))
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, "chats/c1", docstore.Fields{"lastMessageAt": docstore.ServerTimestamp}))

	doc, err := store.Get(ctx, "chats/c1")
	require.NoError(t, err)
	assert.True(t, fixed.Equal(doc.Time("lastMessageAt")))
}

func TestRedisStoreUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	store := docstore.NewRedisStore(client)
	mr.Close()

	_, err := store.Get(t.Context(), "chats/c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
	assert.Error(t, store.Ping(t.Context()))
}
