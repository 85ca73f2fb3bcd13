package ratelimit

import "time"

// Default policy: 20 actions per fixed 60 second window.
const (
	DefaultWindow       = 60 * time.Second
	DefaultMaxPerWindow = 20
	DefaultCollection   = "rateLimits"
)

// Document fields of a rate limit state record.
const (
	fieldCount     = "count"
	fieldLastReset = "lastReset"
)
