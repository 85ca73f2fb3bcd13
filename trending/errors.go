package trending

import "fmt"

// PartialCommitError reports a run whose batch commits stopped part way. The
// first Committed items (in id order) carry fresh scores; the rest are stale
// until the next run.
type PartialCommitError struct {
	Committed int
	Total     int
	Err       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("trending scores partially committed (%d of %d): %v", e.Committed, e.Total, e.Err)
}

func (e *PartialCommitError) Unwrap() error {
	return e.Err
}
