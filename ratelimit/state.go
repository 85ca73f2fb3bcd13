package ratelimit

import (
	"time"

	"github.com/toolink/eventfn/docstore"
)

// State is the stored fixed-window counter of one identity. Count is only
// meaningful relative to WindowStart.
type State struct {
	Count       int64
	WindowStart time.Time
}

func stateFromDocument(doc *docstore.Document) State {
	return State{
		Count:       doc.Int(fieldCount),
		WindowStart: doc.Time(fieldLastReset),
	}
}

// Expired reports whether the window has ended at now. A call exactly at
// WindowStart+window still belongs to the window.
func (s State) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(s.WindowStart) > window
}

func (s State) fields() docstore.Fields {
	return docstore.Fields{
		fieldCount:     s.Count,
		fieldLastReset: s.WindowStart.UTC(),
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Count     int64     // actions counted in the current window
	Limit     int64     // actions allowed per window
	Remaining int64     // actions left in the current window
	ResetAt   time.Time // end of the current window
}

func newDecision(allowed bool, s State, cfg *Config) Decision {
	return Decision{
		Allowed:   allowed,
		Count:     s.Count,
		Limit:     cfg.MaxPerWindow,
		Remaining: max(cfg.MaxPerWindow-s.Count, 0),
		ResetAt:   s.WindowStart.Add(cfg.Window),
	}
}
