package engine

import "time"

// Timings collects the delays driving the debounce scheduler, the blur grace
// window, the editing-recently deferral threshold and the gate watchdog.
// Tests inject short values; zero fields fall back to the defaults.
type Timings struct {
	// DebounceEditing is the save delay while the user is actively editing.
	DebounceEditing time.Duration
	// DebounceIdle is the save delay when no edit session is active.
	DebounceIdle time.Duration
	// DebounceRetry is the re-arm delay applied when a save fires while a
	// reconciliation holds the gate.
	DebounceRetry time.Duration
	// BlurGrace absorbs focus transitions between adjacent cells before the
	// session flips to idle.
	BlurGrace time.Duration
	// EditingRecently is the window after the last keystroke during which
	// remote snapshots are deferred instead of applied.
	EditingRecently time.Duration
	// GateWatchdog force-opens a reconciler gate locked longer than this.
	GateWatchdog time.Duration
}

// DefaultTimings returns the production delays.
func DefaultTimings() Timings {
	return Timings{
		DebounceEditing: 1000 * time.Millisecond,
		DebounceIdle:    300 * time.Millisecond,
		DebounceRetry:   200 * time.Millisecond,
		BlurGrace:       150 * time.Millisecond,
		EditingRecently: 2000 * time.Millisecond,
		GateWatchdog:    5000 * time.Millisecond,
	}
}

func (timings Timings) withDefaults() Timings {
	defaults := DefaultTimings()
	if timings.DebounceEditing <= 0 {
		timings.DebounceEditing = defaults.DebounceEditing
	}
	if timings.DebounceIdle <= 0 {
		timings.DebounceIdle = defaults.DebounceIdle
	}
	if timings.DebounceRetry <= 0 {
		timings.DebounceRetry = defaults.DebounceRetry
	}
	if timings.BlurGrace <= 0 {
		timings.BlurGrace = defaults.BlurGrace
	}
	if timings.EditingRecently <= 0 {
		timings.EditingRecently = defaults.EditingRecently
	}
	if timings.GateWatchdog <= 0 {
		timings.GateWatchdog = defaults.GateWatchdog
	}
	return timings
}
