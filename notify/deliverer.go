package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/worker"
)

// Config configures delivery.
type Config struct {
	Topic         string  `koanf:"topic"`
	RatePerSecond float64 `koanf:"rate_per_second"` // vendor calls per second, 0 for unlimited
	Burst         int     `koanf:"burst"`
	MaxAttempts   int     `koanf:"max_attempts"`
	Concurrency   int     `koanf:"concurrency"`
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		Topic:         DefaultTopic,
		RatePerSecond: 50,
		Burst:         10,
		MaxAttempts:   3,
		Concurrency:   4,
	}
}

// ValidateAndPrepare fills defaults and validates the delivery configuration.
func (c *Config) ValidateAndPrepare() error {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("invalid notify rate: %v, must not be negative", c.RatePerSecond)
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return nil
}

// Deliverer hands notifications to a Sender at a bounded rate.
type Deliverer struct {
	sender  Sender
	limiter *rate.Limiter
	config  *Config
}

// NewDeliverer creates a Deliverer. cfg must have passed ValidateAndPrepare.
func NewDeliverer(cfg *Config, sender Sender) *Deliverer {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Deliverer{
		sender:  sender,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
	}
}

// Deliver waits for a rate slot and sends n. Vendor failures other than
// ErrInvalidToken are reported as transient.
func (d *Deliverer) Deliver(ctx context.Context, n Notification) error {
	if n.Token == "" {
		return ErrInvalidToken
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return apperr.Transient(fmt.Errorf("wait for delivery slot: %w", err))
	}

	if err := d.sender.Send(ctx, n); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			log.Warn().Err(err).Str("token", redact(n.Token)).Msg("push token rejected")
			return err
		}
		log.Error().Err(err).Str("token", redact(n.Token)).Msg("push delivery failed")
		return apperr.Transient(fmt.Errorf("send notification: %w", err))
	}
	return nil
}

// Subscribe consumes the configured topic on cm.
func (d *Deliverer) Subscribe(cm *worker.ConsumerManager, opts ...worker.SubscriptionOption) (*worker.Subscription, error) {
	opts = append([]worker.SubscriptionOption{
		worker.WithMaxAttempts(d.config.MaxAttempts),
		worker.WithConcurrency(d.config.Concurrency),
	}, opts...)
	return cm.Subscribe(d.config.Topic, worker.Handle(d.Deliver), opts...)
}
