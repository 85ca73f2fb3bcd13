package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the fixed-window policy.
type Config struct {
	Collection   string        `koanf:"collection"`     // collection holding one state document per identity
	Window       time.Duration `koanf:"window"`         // length of a window
	MaxPerWindow int64         `koanf:"max_per_window"` // actions allowed per window
}

// DefaultConfig returns the base policy.
func DefaultConfig() Config {
	return Config{
		Collection:   DefaultCollection,
		Window:       DefaultWindow,
		MaxPerWindow: DefaultMaxPerWindow,
	}
}

// ValidateAndPrepare fills defaults and validates the policy.
func (c *Config) ValidateAndPrepare() error {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		log.Warn().Str("default", DefaultCollection).Msg("no rate limit collection configured, using default")
		c.Collection = DefaultCollection
	}
	if strings.Contains(c.Collection, "/") {
		return fmt.Errorf("invalid rate limit collection %q: must be a top-level collection", c.Collection)
	}
	if c.Window <= 0 {
		return fmt.Errorf("invalid rate limit window: %s, must be positive", c.Window)
	}
	if c.MaxPerWindow <= 0 {
		return fmt.Errorf("invalid rate limit max_per_window: %d, must be positive", c.MaxPerWindow)
	}
	return nil
}
