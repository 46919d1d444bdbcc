// Package policy decides what happens to a finished editing session.
package policy

// Disposition is the classification assigned to a closed session.
type Disposition string

const (
	Skip         Disposition = "skip"
	DurationOnly Disposition = "duration_only"
	ChangesOnly  Disposition = "changes_only"
	Full         Disposition = "full"
	// Error is never returned by Classify. It replaces the disposition of an
	// outcome the sink failed to store.
	Error Disposition = "error"
)

// Persisted reports whether outcomes with this disposition reach the sink.
func (d Disposition) Persisted() bool {
	switch d {
	case DurationOnly, ChangesOnly, Full:
		return true
	default:
		return false
	}
}

func (d Disposition) Valid() bool {
	switch d {
	case Skip, DurationOnly, ChangesOnly, Full, Error:
		return true
	default:
		return false
	}
}

// Classify maps duration and change significance onto a disposition.
func Classify(durationSeconds int64, significant bool, thresholdSeconds int64) Disposition {
	longEnough := durationSeconds >= thresholdSeconds
	switch {
	case significant && longEnough:
		return Full
	case significant:
		return ChangesOnly
	case longEnough:
		return DurationOnly
	default:
		return Skip
	}
}

// Change describes how much a document moved during a session.
type Change struct {
	CharDelta         int
	WordDelta         int
	HasBuilderChanges bool
	ActivityCount     int
}

// Significant reports whether the change clears the configured character threshold
// or carries any other evidence of editing.
func Significant(c Change, minCharChange int) bool {
	return abs(c.CharDelta) >= minCharChange ||
		abs(c.WordDelta) >= 1 ||
		c.HasBuilderChanges ||
		c.ActivityCount > 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
