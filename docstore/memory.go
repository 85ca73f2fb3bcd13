package docstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
)

type memoryDoc struct {
	fields  map[string]string
	version uint64
}

// memoryStore implements Store with in-process maps. Every write bumps the
// document version so transactions can detect concurrent changes.
type memoryStore struct {
	mu    sync.RWMutex
	docs  map[string]*memoryDoc
	colls map[string]map[string]struct{}
	seq   uint64
	opts  options
}

// NewMemoryStore creates an in-memory document store.
func NewMemoryStore(opts ...Option) Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &memoryStore{
		docs:  make(map[string]*memoryDoc),
		colls: make(map[string]map[string]struct{}),
		opts:  o,
	}
}

func (s *memoryStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, err := splitDoc(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	return newDocument(path, maps.Clone(doc.fields)), nil
}

func (s *memoryStore) Set(ctx context.Context, path string, fields Fields) error {
	return s.apply(ctx, []write{{kind: writeSet, path: path, fields: fields}})
}

func (s *memoryStore) Update(ctx context.Context, path string, fields Fields) error {
	return s.apply(ctx, []write{{kind: writeUpdate, path: path, fields: fields}})
}

func (s *memoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	if ids, ok := s.colls[collection]; ok {
		delete(ids, id)
	}
	return nil
}

func (s *memoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.opts.retryConflicts(ctx, func() error {
		tx := &memoryTx{store: s, reads: make(map[string]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(ctx, tx)
	})
}

func (s *memoryStore) List(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.colls[collection])), nil
}

func (s *memoryStore) Count(ctx context.Context, collection, field string, value any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	want, err := encodeValue(value)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for id := range s.colls[collection] {
		doc, ok := s.docs[Doc(collection, id)]
		if ok && doc.fields[field] == want {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) NewBatch() Batch {
	return &memoryBatch{store: s}
}

func (s *memoryStore) MaxBatchSize() int {
	return s.opts.maxBatchSize
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// apply encodes and applies writes under one lock acquisition.
func (s *memoryStore) apply(ctx context.Context, writes []write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeWrites(writes, s.opts.clock())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUpdatesLocked(writes); err != nil {
		return err
	}
	s.applyLocked(writes, encoded)
	return nil
}

func (s *memoryStore) commit(ctx context.Context, tx *memoryTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeWrites(tx.writes, s.opts.clock())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, seen := range tx.reads {
		if s.versionLocked(path) != seen {
			return errTxConflict
		}
	}
	if err := s.checkUpdatesLocked(tx.writes); err != nil {
		return err
	}
	s.applyLocked(tx.writes, encoded)
	return nil
}

func (s *memoryStore) versionLocked(path string) uint64 {
	if doc, ok := s.docs[path]; ok {
		return doc.version
	}
	return 0
}

func (s *memoryStore) checkUpdatesLocked(writes []write) error {
	for _, w := range writes {
		if w.kind != writeUpdate {
			continue
		}
		if _, ok := s.docs[w.path]; !ok {
			return fmt.Errorf("%w: %s", apperr.ErrNotFound, w.path)
		}
	}
	return nil
}

func (s *memoryStore) applyLocked(writes []write, encoded []map[string]string) {
	for i, w := range writes {
		collection, id, _ := splitDoc(w.path)
		doc, ok := s.docs[w.path]
		if !ok && w.kind == writeUpdateIfExists {
			continue
		}
		s.seq++

		if !ok || w.kind == writeSet {
			doc = &memoryDoc{fields: make(map[string]string, len(encoded[i]))}
			s.docs[w.path] = doc
		}
		maps.Copy(doc.fields, encoded[i])
		doc.version = s.seq

		ids, ok := s.colls[collection]
		if !ok {
			ids = make(map[string]struct{})
			s.colls[collection] = ids
		}
		ids[id] = struct{}{}
	}
	log.Trace().Int("writes", len(writes)).Uint64("seq", s.seq).Msg("memory store applied writes")
}

type memoryTx struct {
	store  *memoryStore
	reads  map[string]uint64
	writes []write
}

func (tx *memoryTx) Get(ctx context.Context, path string) (*Document, error) {
	if len(tx.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, err := splitDoc(path); err != nil {
		return nil, err
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		tx.reads[path] = 0
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, path)
	}
	tx.reads[path] = doc.version
	return newDocument(path, maps.Clone(doc.fields)), nil
}

func (tx *memoryTx) Set(path string, fields Fields) {
	tx.writes = append(tx.writes, write{kind: writeSet, path: path, fields: fields})
}

func (tx *memoryTx) Update(path string, fields Fields) {
	tx.writes = append(tx.writes, write{kind: writeUpdate, path: path, fields: fields})
}

type memoryBatch struct {
	store  *memoryStore
	writes []write
}

func (b *memoryBatch) Set(path string, fields Fields) {
	b.writes = append(b.writes, write{kind: writeSet, path: path, fields: fields})
}

func (b *memoryBatch) UpdateIfExists(path string, fields Fields) {
	b.writes = append(b.writes, write{kind: writeUpdateIfExists, path: path, fields: fields})
}

func (b *memoryBatch) Len() int {
	return len(b.writes)
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	if len(b.writes) > b.store.opts.maxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(b.writes), b.store.opts.maxBatchSize)
	}
	return b.store.apply(ctx, b.writes)
}
