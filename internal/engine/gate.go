package engine

import (
	"time"

	"github.com/stagecrew/tablesync/internal/tablelog"
)

type gateState int

const (
	gateOpen gateState = iota
	gateLocked
)

// reconcilerGate serializes reconciliations. While a remote snapshot is being
// merged the gate is locked; a snapshot arriving while the user is editing
// recently is stored as the single pending deferred snapshot, the newest
// arrival replacing any prior one. A watchdog force-opens a gate that has
// been locked past the configured threshold.
type reconcilerGate struct {
	state    gateState
	lockedAt time.Time
	pending  *tablelog.Snapshot
	watchdog *time.Timer
}

func (gate *reconcilerGate) deferSnapshot(snapshot tablelog.Snapshot) {
	deferred := snapshot.Clone()
	gate.pending = &deferred
}

func (gate *reconcilerGate) takePending() (tablelog.Snapshot, bool) {
	if gate.pending == nil {
		return tablelog.Snapshot{}, false
	}
	pending := *gate.pending
	gate.pending = nil
	return pending, true
}

func (gate *reconcilerGate) stopWatchdog() {
	if gate.watchdog != nil {
		gate.watchdog.Stop()
		gate.watchdog = nil
	}
}
