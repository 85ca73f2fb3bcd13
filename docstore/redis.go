package docstore

import (
	"context"
	_ "embed" // needed for go:embed
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
)

//go:embed count.lua
var countScriptSource string

//go:embed update.lua
var updateScriptSource string

var (
	countScript  = redis.NewScript(countScriptSource)
	updateScript = redis.NewScript(updateScriptSource)
)

// redisStore implements Store on Redis. Each document is a hash whose fields hold
// JSON encoded values; each collection is a set of document ids used for listing
// and aggregation. Transactions use WATCH/MULTI/EXEC, batches use MULTI/EXEC.
//
// The count script touches document keys it derives from the collection index, so
// a collection and its documents must live on the same node.
type redisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore creates a document store backed by Redis.
// It expects a pre-configured client (e.g., *redis.Client or *redis.ClusterClient).
func NewRedisStore(client redis.UniversalClient, opts ...Option) Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &redisStore{client: client, opts: o}
}

func (s *redisStore) docKey(path string) string {
	return s.opts.keyPrefix + "doc:" + path
}

func (s *redisStore) collKey(collection string) string {
	return s.opts.keyPrefix + "col:" + collection
}

func (s *redisStore) Get(ctx context.Context, path string) (*Document, error) {
	if _, _, err := splitDoc(path); err != nil {
		return nil, err
	}
	return s.get(ctx, s.client, path)
}

func (s *redisStore) get(ctx context.Context, c redis.Cmdable, path string) (*Document, error) {
	fields, err := c.HGetAll(ctx, s.docKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	return newDocument(path, fields), nil
}

func (s *redisStore) Set(ctx context.Context, path string, fields Fields) error {
	return s.commitWrites(ctx, s.client, []write{{kind: writeSet, path: path, fields: fields}})
}

func (s *redisStore) Update(ctx context.Context, path string, fields Fields) error {
	if _, _, err := splitDoc(path); err != nil {
		return err
	}
	now, err := s.serverTime(ctx, s.client)
	if err != nil {
		return err
	}
	enc, err := encodeFields(fields, now)
	if err != nil {
		return err
	}

	updated, err := updateScript.Run(ctx, s.client, []string{s.docKey(path)}, flatten(enc)...).Int64()
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("redis update script failed")
		return fmt.Errorf("redis update %s: %w", path, err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, path string) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(path))
		pipe.SRem(ctx, s.collKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	return nil
}

func (s *redisStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.opts.retryConflicts(ctx, func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{store: s, rtx: rtx, read: make(map[string]bool)}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			if len(tx.writes) == 0 {
				return nil
			}
			if err := tx.checkUpdates(ctx); err != nil {
				return err
			}

			err := s.commitWrites(ctx, rtx, tx.writes)
			if errors.Is(err, redis.TxFailedErr) {
				return errTxConflict
			}
			return err
		})
	})
}

func (s *redisStore) List(ctx context.Context, collection string) ([]string, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.collKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", collection, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *redisStore) Count(ctx context.Context, collection, field string, value any) (int64, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	want, err := encodeValue(value)
	if err != nil {
		return 0, err
	}

	keys := []string{s.collKey(collection)}
	n, err := countScript.Run(ctx, s.client, keys, s.docKey(collection)+pathSeparator, field, want).Int64()
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("field", field).Msg("redis count script failed")
		return 0, fmt.Errorf("redis count %s: %w", collection, err)
	}
	return n, nil
}

func (s *redisStore) NewBatch() Batch {
	return &redisBatch{store: s}
}

func (s *redisStore) MaxBatchSize() int {
	return s.opts.maxBatchSize
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// serverTime reads the Redis server clock, used to resolve ServerTimestamp.
func (s *redisStore) serverTime(ctx context.Context, c redis.Cmdable) (time.Time, error) {
	now, err := c.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return now, nil
}

// commitWrites applies writes inside one MULTI/EXEC on c. When c is a watched
// transaction, EXEC fails with redis.TxFailedErr if a watched key changed.
func (s *redisStore) commitWrites(ctx context.Context, c redis.Cmdable, writes []write) error {
	now, err := s.serverTime(ctx, c)
	if err != nil {
		return err
	}
	encoded, err := encodeWrites(writes, now)
	if err != nil {
		return err
	}

	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range writes {
			collection, id, _ := splitDoc(w.path)
			key := s.docKey(w.path)
			if w.kind == writeSet {
				pipe.Del(ctx, key)
			}
			if len(encoded[i]) > 0 {
				pipe.HSet(ctx, key, flatten(encoded[i])...)
			}
			pipe.SAdd(ctx, s.collKey(collection), id)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.TxFailedErr) {
			log.Error().Err(err).Int("writes", len(writes)).Msg("redis multi/exec failed")
		}
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func flatten(fields map[string]string) []any {
	args := make([]any, 0, 2*len(fields))
	for name, value := range fields {
		args = append(args, name, value)
	}
	return args
}

type redisTx struct {
	store  *redisStore
	rtx    *redis.Tx
	read   map[string]bool // path -> existed when read
	writes []write
}

func (tx *redisTx) Get(ctx context.Context, path string) (*Document, error) {
	if len(tx.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	if _, _, err := splitDoc(path); err != nil {
		return nil, err
	}
	if err := tx.rtx.Watch(ctx, tx.store.docKey(path)).Err(); err != nil {
		return nil, fmt.Errorf("redis watch %s: %w", path, err)
	}

	doc, err := tx.store.get(ctx, tx.rtx, path)
	tx.read[path] = err == nil
	return doc, err
}

func (tx *redisTx) Set(path string, fields Fields) {
	tx.writes = append(tx.writes, write{kind: writeSet, path: path, fields: fields})
}

func (tx *redisTx) Update(path string, fields Fields) {
	tx.writes = append(tx.writes, write{kind: writeUpdate, path: path, fields: fields})
}

// checkUpdates makes sure every staged Update targets an existing document.
// Paths that were not read in the transaction are watched and checked here.
func (tx *redisTx) checkUpdates(ctx context.Context) error {
	for _, w := range tx.writes {
		if w.kind != writeUpdate {
			continue
		}
		existed, seen := tx.read[w.path]
		if !seen {
			key := tx.store.docKey(w.path)
			if err := tx.rtx.Watch(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis watch %s: %w", w.path, err)
			}
			n, err := tx.rtx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("redis exists %s: %w", w.path, err)
			}
			existed = n > 0
			tx.read[w.path] = existed
		}
		if !existed {
			return fmt.Errorf("%w: %s", apperr.ErrNotFound, w.path)
		}
	}
	return nil
}

type redisBatch struct {
	store  *redisStore
	writes []write
}

func (b *redisBatch) Set(path string, fields Fields) {
	b.writes = append(b.writes, write{kind: writeSet, path: path, fields: fields})
}

func (b *redisBatch) UpdateIfExists(path string, fields Fields) {
	b.writes = append(b.writes, write{kind: writeUpdateIfExists, path: path, fields: fields})
}

func (b *redisBatch) Len() int {
	return len(b.writes)
}

func (b *redisBatch) Commit(ctx context.Context) error {
	s := b.store
	if len(b.writes) > s.opts.maxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(b.writes), s.opts.maxBatchSize)
	}

	var watched []string
	for _, w := range b.writes {
		if _, _, err := splitDoc(w.path); err != nil {
			return err
		}
		if w.kind == writeUpdateIfExists {
			watched = append(watched, s.docKey(w.path))
		}
	}
	if len(watched) == 0 {
		return s.commitWrites(ctx, s.client, b.writes)
	}

	// Conditional writes are resolved under WATCH so a document deleted
	// between the EXISTS check and EXEC is never recreated.
	return s.opts.retryConflicts(ctx, func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			writes := make([]write, 0, len(b.writes))
			for _, w := range b.writes {
				if w.kind != writeUpdateIfExists {
					writes = append(writes, w)
					continue
				}
				n, err := rtx.Exists(ctx, s.docKey(w.path)).Result()
				if err != nil {
					return fmt.Errorf("redis exists %s: %w", w.path, err)
				}
				if n == 0 {
					log.Debug().Str("path", w.path).Msg("skipping update of missing document")
					continue
				}
				writes = append(writes, w)
			}
			if len(writes) == 0 {
				return nil
			}

			err := s.commitWrites(ctx, rtx, writes)
			if errors.Is(err, redis.TxFailedErr) {
				return errTxConflict
			}
			return err
		}, watched...)
	})
}
