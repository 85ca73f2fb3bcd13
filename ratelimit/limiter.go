// Package ratelimit enforces a per-identity fixed-window action limit backed by
// the document store. Each check is one store transaction, so concurrent checks
// for the same identity are serialized while different identities never contend.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/auth"
	"github.com/toolink/eventfn/docstore"
)

// Limiter contains the policy and store for rate limiting.
type Limiter struct {
	config *Config
	store  docstore.Store
	clock  func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used by Allow. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLimiter creates a new Limiter. cfg must have passed ValidateAndPrepare.
func NewLimiter(cfg *Config, store docstore.Store, opts ...Option) *Limiter {
	l := &Limiter{
		config: cfg,
		store:  store,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks the identity carried by ctx (see package auth) at the limiter's clock.
func (l *Limiter) Allow(ctx context.Context) (Decision, error) {
	identity, _ := auth.IdentityFrom(ctx)
	return l.CheckAndConsume(ctx, identity, l.clock())
}

// CheckAndConsume decides whether identity may perform one more action at now
// and, if so, consumes it.
//
// Errors wrap apperr.ErrUnauthenticated (no identity), apperr.ErrResourceExhausted
// (limit hit, the returned Decision describes the window) or apperr.ErrTransient
// (store failure or cancellation; nothing is consumed).
func (l *Limiter) CheckAndConsume(ctx context.Context, identity string, now time.Time) (Decision, error) {
	if identity == "" {
		log.Warn().Msg("rate limit check without caller identity")
		return Decision{}, fmt.Errorf("rate limit check: %w", apperr.ErrUnauthenticated)
	}

	path := l.statePath(identity)
	var decision Decision

	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, path)
		if errors.Is(err, apperr.ErrNotFound) {
			// first action for this identity
			state := State{Count: 1, WindowStart: now}
			tx.Set(path, state.fields())
			decision = newDecision(true, state, l.config)
			return nil
		}
		if err != nil {
			return err
		}

		state := stateFromDocument(doc)
		switch {
		case state.Expired(now, l.config.Window):
			state = State{Count: 1, WindowStart: now}
			tx.Set(path, state.fields())
			decision = newDecision(true, state, l.config)
		case state.Count >= l.config.MaxPerWindow:
			// no write on the denied path
			decision = newDecision(false, state, l.config)
		default:
			state.Count++
			tx.Update(path, docstore.Fields{fieldCount: state.Count})
			decision = newDecision(true, state, l.config)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("identity", identity).Msg("rate limit transaction failed")
		return Decision{}, apperr.Transient(fmt.Errorf("rate limit check for %s: %w", identity, err))
	}

	if !decision.Allowed {
		log.Warn().Str("identity", identity).Int64("count", decision.Count).Int64("limit", decision.Limit).Time("reset_at", decision.ResetAt).Msg("rate limit exceeded")
		return decision, fmt.Errorf("rate limit exceeded for %s: %w", identity, apperr.ErrResourceExhausted)
	}

	log.Debug().Str("identity", identity).Int64("count", decision.Count).Int64("remaining", decision.Remaining).Msg("rate limit check allowed")
	return decision, nil
}

// Peek reports what a check at now would see without consuming anything.
func (l *Limiter) Peek(ctx context.Context, identity string, now time.Time) (Decision, error) {
	if identity == "" {
		return Decision{}, fmt.Errorf("rate limit peek: %w", apperr.ErrUnauthenticated)
	}

	doc, err := l.store.Get(ctx, l.statePath(identity))
	if errors.Is(err, apperr.ErrNotFound) {
		return newDecision(true, State{WindowStart: now}, l.config), nil
	}
	if err != nil {
		return Decision{}, apperr.Transient(fmt.Errorf("rate limit peek for %s: %w", identity, err))
	}

	state := stateFromDocument(doc)
	if state.Expired(now, l.config.Window) {
		return newDecision(true, State{WindowStart: now}, l.config), nil
	}
	return newDecision(state.Count < l.config.MaxPerWindow, state, l.config), nil
}

// Reset clears the stored window of identity.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("rate limit reset: %w", apperr.ErrUnauthenticated)
	}
	if err := l.store.Delete(ctx, l.statePath(identity)); err != nil {
		return apperr.Transient(fmt.Errorf("rate limit reset for %s: %w", identity, err))
	}
	log.Info().Str("identity", identity).Msg("rate limit window reset")
	return nil
}

// statePath maps an identity onto its state document. Identities are opaque, so
// they are escaped to stay a single path segment.
func (l *Limiter) statePath(identity string) string {
	return docstore.Doc(l.config.Collection, url.PathEscape(identity))
}
