package trending

import (
	"fmt"
	"strings"
	"time"
)

// Defaults of the base trending policy.
const (
	DefaultCollection  = "events"
	DefaultWeight      = 10
	DefaultConcurrency = 8
	DefaultInterval    = 60 * time.Minute
)

// Stored layout of events and their RSVPs.
const (
	rsvpCollection = "rsvps"
	fieldStatus    = "status"
	fieldScore     = "trendingScore"

	// StatusGoing is the RSVP status counted towards the score.
	StatusGoing = "going"
)

// Config configures the recompute job.
type Config struct {
	Collection  string        `koanf:"collection"`  // top-level collection of events
	Weight      float64       `koanf:"weight"`      // score per "going" RSVP
	Concurrency int           `koanf:"concurrency"` // aggregation queries in flight
	Interval    time.Duration `koanf:"interval"`    // schedule period
}

// DefaultConfig returns the base policy.
func DefaultConfig() Config {
	return Config{
		Collection:  DefaultCollection,
		Weight:      DefaultWeight,
		Concurrency: DefaultConcurrency,
		Interval:    DefaultInterval,
	}
}

// ValidateAndPrepare fills defaults and validates the job configuration.
func (c *Config) ValidateAndPrepare() error {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if strings.Contains(c.Collection, "/") {
		return fmt.Errorf("invalid trending collection %q: must be a top-level collection", c.Collection)
	}
	if c.Weight < 0 {
		return fmt.Errorf("invalid trending weight: %v, must not be negative", c.Weight)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Interval <= 0 {
		return fmt.Errorf("invalid trending interval: %s, must be positive", c.Interval)
	}
	return nil
}
