// Package lifecycle starts the long-running parts of the process in order and
// stops them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is a part of the process with a start and a stop.
type Component interface {
	// Name returns the unique name of the component.
	Name() string
	// Start brings the component up. It must not block for the lifetime of
	// the component; long-running work belongs in its own goroutine.
	Start(ctx context.Context) error
	// Stop releases what Start acquired, within ctx.
	Stop(ctx context.Context) error
}

var (
	ErrAlreadyRegistered = errors.New("component name is already registered")
	ErrAlreadyStarted    = errors.New("components already started")
)

// Hook adapts a pair of functions into a Component. Nil functions do nothing.
type Hook struct {
	ID      string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (h Hook) Name() string { return h.ID }

func (h Hook) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hook) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

// Manager runs components in registration order.
type Manager struct {
	mu         sync.Mutex
	components []Component
	names      map[string]bool
	started    []Component // successfully started, in start order
	running    bool
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register appends c to the start order.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}
	name := c.Name()
	if m.names[name] {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	m.names[name] = true
	m.components = append(m.components, c)
	log.Debug().Str("component", name).Msg("component registered")
	return nil
}

// StartAll starts every component in order. If one fails, the ones already
// started are stopped in reverse order and the start error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyStarted
	}
	m.running = true

	for _, c := range m.components {
		started := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Str("component", c.Name()).Dur("duration", time.Since(started)).Err(err).Msg("failed to start component")
			if rbErr := m.stopStarted(context.WithoutCancel(ctx), true); rbErr != nil {
				log.Error().Err(rbErr).Msg("errors occurred during start failure rollback")
			}
			m.running = false
			return fmt.Errorf("failed to start component %s: %w", c.Name(), err)
		}
		m.started = append(m.started, c)
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(started)).Msg("component started")
	}
	return nil
}

// StopAll stops the started components in reverse order. Every component is
// asked to stop even when some fail; the failures are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.stopStarted(ctx, false)
	m.running = false
	return err
}

func (m *Manager) stopStarted(ctx context.Context, rollback bool) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		started := time.Now()
		if err := c.Stop(ctx); err != nil {
			log.Error().Str("component", c.Name()).Bool("rollback", rollback).Dur("duration", time.Since(started)).Err(err).Msg("failed to stop component")
			errs = append(errs, fmt.Errorf("failed to stop component %s: %w", c.Name(), err))
			continue
		}
		log.Info().Str("component", c.Name()).Bool("rollback", rollback).Dur("duration", time.Since(started)).Msg("component stopped")
	}
	m.started = nil
	return errors.Join(errs...)
}
