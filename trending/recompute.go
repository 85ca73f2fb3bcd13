// Package trending recomputes the cached trending score of every event from the
// number of "going" RSVPs it has. Scores are a cache: they may be stale between
// runs and are only ever written by this job.
package trending

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/docstore"
)

// Recomputer runs the trending recompute job.
type Recomputer struct {
	config *Config
	store  docstore.Store
	policy Policy
}

// Option configures a Recomputer.
type Option func(*Recomputer)

// WithPolicy replaces the base policy (count * Config.Weight).
func WithPolicy(p Policy) Option {
	return func(r *Recomputer) {
		r.policy = p
	}
}

// NewRecomputer creates a Recomputer. cfg must have passed ValidateAndPrepare.
func NewRecomputer(cfg *Config, store docstore.Store, opts ...Option) *Recomputer {
	r := &Recomputer{
		config: cfg,
		store:  store,
		policy: Policy{Weight: cfg.Weight},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the job in schedules and locks.
func (r *Recomputer) Name() string {
	return "trending-recompute"
}

// Run implements scheduler.Job.
func (r *Recomputer) Run(ctx context.Context) error {
	_, err := r.RecomputeAll(ctx)
	return err
}

// RecomputeAll recomputes and stores the score of every event and returns the
// number of events updated.
//
// All aggregation reads finish before anything is written. Writes are split into
// batches of at most Store.MaxBatchSize, each committed atomically, in sequence.
// Events deleted after listing are skipped, never recreated.
// Any failure fails the whole run with apperr.ErrTransient; when some batches had
// already been committed the error also carries a *PartialCommitError.
func (r *Recomputer) RecomputeAll(ctx context.Context) (int, error) {
	started := time.Now()

	ids, err := r.store.List(ctx, r.config.Collection)
	if err != nil {
		log.Error().Err(err).Str("collection", r.config.Collection).Msg("failed to list trending items")
		return 0, apperr.Transient(fmt.Errorf("list %s: %w", r.config.Collection, err))
	}
	if len(ids) == 0 {
		log.Info().Str("collection", r.config.Collection).Msg("no items to score")
		return 0, nil
	}

	items, err := r.aggregate(ctx, ids)
	if err != nil {
		log.Error().Err(err).Int("items", len(ids)).Msg("failed to aggregate rsvps")
		return 0, apperr.Transient(fmt.Errorf("aggregate rsvps: %w", err))
	}

	updated, err := r.commit(ctx, items)
	if err != nil {
		return updated, apperr.Transient(err)
	}

	log.Info().Int("updated", updated).Dur("duration", time.Since(started)).Msg("trending scores updated")
	return updated, nil
}

// aggregate counts the going RSVPs of every item concurrently and scores them.
// The result is ordered by item id.
func (r *Recomputer) aggregate(ctx context.Context, ids []string) ([]Item, error) {
	p := pool.NewWithResults[Item]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(r.config.Concurrency)

	for _, id := range ids {
		p.Go(func(ctx context.Context) (Item, error) {
			rsvps := docstore.Doc(r.config.Collection, id, rsvpCollection)
			going, err := r.store.Count(ctx, rsvps, fieldStatus, StatusGoing)
			if err != nil {
				return Item{}, fmt.Errorf("count %s: %w", rsvps, err)
			}
			item := Item{ID: id, Going: going}
			item.Score = r.policy.Score(item)
			log.Trace().Str("item", id).Int64("going", going).Float64("score", item.Score).Msg("item scored")
			return item, nil
		})
	}

	items, err := p.Wait()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(items, func(a, b Item) int { return cmp.Compare(a.ID, b.ID) })
	return items, nil
}

// commit writes the scores in sequential batches and returns how many were stored.
func (r *Recomputer) commit(ctx context.Context, items []Item) (int, error) {
	size := r.store.MaxBatchSize()
	committed := 0

	for chunk := range slices.Chunk(items, size) {
		batch := r.store.NewBatch()
		for _, item := range chunk {
			batch.UpdateIfExists(docstore.Doc(r.config.Collection, item.ID), docstore.Fields{fieldScore: item.Score})
		}

		if err := batch.Commit(ctx); err != nil {
			if committed > 0 {
				log.Error().Err(err).Int("committed", committed).Int("total", len(items)).Msg("trending scores partially committed")
				return committed, &PartialCommitError{Committed: committed, Total: len(items), Err: err}
			}
			log.Error().Err(err).Int("total", len(items)).Msg("failed to commit trending scores")
			return 0, fmt.Errorf("commit trending scores: %w", err)
		}

		committed += len(chunk)
		log.Debug().Int("batch", len(chunk)).Int("committed", committed).Int("total", len(items)).Msg("trending batch committed")
	}
	return committed, nil
}
