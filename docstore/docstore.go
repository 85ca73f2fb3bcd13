// Package docstore is a small document-oriented store abstraction: documents live
// at slash separated paths ("events/e1", "events/e1/rsvps/r1"), hold a flat set of
// fields, and are grouped into collections. It provides optimistic transactions,
// size-bounded atomic batches and a server-side count aggregation.
//
// Two implementations are provided: an in-memory store and a Redis store.
package docstore

import (
	"context"
	"errors"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// DefaultMaxBatchSize is the largest batch a store commits atomically unless
// configured otherwise.
const DefaultMaxBatchSize = 500

var (
	// ErrConflict is returned when a transaction keeps losing optimistic
	// concurrency checks after all retries are spent.
	ErrConflict = errors.New("docstore: transaction conflict")
	// ErrBatchTooLarge is returned when a batch holds more writes than MaxBatchSize.
	ErrBatchTooLarge = errors.New("docstore: batch exceeds maximum size")
	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("docstore: invalid path")
	// ErrReadAfterWrite is returned when a transaction reads after it staged a write.
	ErrReadAfterWrite = errors.New("docstore: transactions must read before writing")
)

// Fields are the values written to a document. Values are JSON encoded; use
// ServerTimestamp to have the store assign the current time.
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is a field value placeholder replaced by the store's clock when
// the write is applied.
var ServerTimestamp any = serverTimestamp{}

// Store is the document store used by the handlers.
type Store interface {
	// Get returns the document at path or an error wrapping apperr.ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)
	// Set creates or replaces the document at path.
	Set(ctx context.Context, path string, fields Fields) error
	// Update merges fields into an existing document. It fails with
	// apperr.ErrNotFound when the document does not exist.
	Update(ctx context.Context, path string, fields Fields) error
	// Delete removes the document at path. Deleting a missing document is a no-op.
	Delete(ctx context.Context, path string) error

	// RunTransaction runs fn as one atomic read-modify-write unit. Reads made
	// through tx are checked at commit time; when another writer changed any of
	// them fn is run again. fn must perform all reads before staging writes.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// List returns the ids of the documents in collection, sorted.
	List(ctx context.Context, collection string) ([]string, error)
	// Count counts the documents in collection whose field equals value without
	// transferring them to the caller.
	Count(ctx context.Context, collection, field string, value any) (int64, error)

	// NewBatch starts an empty write batch.
	NewBatch() Batch
	// MaxBatchSize is the largest number of writes a single batch may hold.
	MaxBatchSize() int

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the handle passed to transaction functions.
type Tx interface {
	// Get reads a document and records it for the commit-time conflict check.
	Get(ctx context.Context, path string) (*Document, error)
	// Set stages a create-or-replace of the document at path.
	Set(path string, fields Fields)
	// Update stages a merge into the document at path.
	Update(path string, fields Fields)
}

// Batch collects writes that are committed together atomically.
type Batch interface {
	// Set stages a create-or-replace.
	Set(path string, fields Fields)
	// UpdateIfExists stages a merge of fields into an existing document. A
	// document missing at commit time is skipped, never created.
	UpdateIfExists(path string, fields Fields)
	// Len is the number of staged writes.
	Len() int
	// Commit applies all staged writes atomically.
	Commit(ctx context.Context) error
}

type writeKind int

const (
	writeSet writeKind = iota
	writeUpdate
	writeUpdateIfExists
)

type write struct {
	kind   writeKind
	path   string
	fields Fields
}
