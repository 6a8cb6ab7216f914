package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

var (
	// ErrDocumentClosed indicates an operation on a torn-down document.
	ErrDocumentClosed = errors.New("engine: document closed")
	// ErrUnknownGroup indicates a group key with no local group.
	ErrUnknownGroup = errors.New("engine: unknown group")
	// ErrDuplicateGroup indicates a group key that already exists locally.
	ErrDuplicateGroup = errors.New("engine: duplicate group")
	// ErrUnknownCell indicates a cell reference outside the document.
	ErrUnknownCell = errors.New("engine: unknown cell")
	// ErrUnknownField indicates a field name outside the document schema.
	ErrUnknownField = errors.New("engine: unknown field")
)

// Document is one open table document. Every callback path into it (input
// handlers, debounce and grace timers, push deliveries, save completions)
// serializes on the document mutex, so concurrency reduces to interleaving
// the way the hosting page's event loop would.
type Document struct {
	mu      sync.Mutex
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	clock   func() time.Time
	timings Timings

	identity tablelog.DocumentIdentity
	schema   tablelog.Schema
	groups   []tablelog.Group

	session    editSession
	gate       reconcilerGate
	saveTimer  *time.Timer
	saveArmed  bool
	graceTimer *time.Timer

	saver         Saver
	loader        Loader
	ids           IDProvider
	unsubscribe   func()
	onSaveFailure func(message string)
}

// Identity returns the document identity.
func (document *Document) Identity() tablelog.DocumentIdentity {
	return document.identity
}

// Groups returns a deep copy of the current groups in display order.
func (document *Document) Groups() []tablelog.Group {
	document.mu.Lock()
	defer document.mu.Unlock()
	return tablelog.CloneGroups(document.groups)
}

// FieldValue reads one cell. The second return is false when the cell does
// not exist.
func (document *Document) FieldValue(cell CellRef) (string, bool) {
	document.mu.Lock()
	defer document.mu.Unlock()
	groupIndex := findGroupIndex(document.groups, cell.GroupKey)
	if groupIndex < 0 {
		return "", false
	}
	entries := document.groups[groupIndex].Entries
	if cell.EntryIndex < 0 || cell.EntryIndex >= len(entries) {
		return "", false
	}
	value, present := entries[cell.EntryIndex].Fields[cell.Field]
	return value, present
}

// OnFocus records that the given cell took input focus and cancels any
// pending editing-ended grace timer.
func (document *Document) OnFocus(cell CellRef) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return
	}
	if document.graceTimer != nil {
		document.graceTimer.Stop()
		document.graceTimer = nil
	}
	focused := cell
	document.session.activeCell = &focused
	document.session.mode = modeEditing
	document.session.lastInputAt = document.clock()
}

// OnInput applies one keystroke's worth of local mutation to the focused
// cell and re-arms the debounce scheduler.
func (document *Document) OnInput(cell CellRef, value string) error {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	if !document.schema.Contains(cell.Field) {
		return fmt.Errorf("%w: %q", ErrUnknownField, cell.Field)
	}
	groupIndex := findGroupIndex(document.groups, cell.GroupKey)
	if groupIndex < 0 {
		return fmt.Errorf("%w: group %q", ErrUnknownCell, cell.GroupKey)
	}
	entries := document.groups[groupIndex].Entries
	if cell.EntryIndex < 0 || cell.EntryIndex >= len(entries) {
		return fmt.Errorf("%w: group %q entry %d", ErrUnknownCell, cell.GroupKey, cell.EntryIndex)
	}
	entries[cell.EntryIndex].Fields[cell.Field] = value

	focused := cell
	document.session.activeCell = &focused
	document.session.mode = modeEditing
	document.session.lastInputAt = document.clock()
	document.armSaveLocked()
	return nil
}

// OnBlur starts the grace timer. If focus has not moved to another cell of
// this document by the time it fires, the edit session ends.
func (document *Document) OnBlur(cell CellRef) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return
	}
	if document.graceTimer != nil {
		document.graceTimer.Stop()
	}
	blurred := cell
	document.graceTimer = time.AfterFunc(document.timings.BlurGrace, func() {
		document.graceFired(blurred)
	})
}

func (document *Document) graceFired(blurred CellRef) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return
	}
	if document.session.activeCell != nil && *document.session.activeCell != blurred {
		// Focus moved to a sibling cell before the grace window elapsed.
		return
	}
	document.session.activeCell = nil
	if document.session.mode == modeEditing {
		document.session.mode = modeIdle
	}
	document.editingEndedLocked()
}

// editingEndedLocked replays the pending deferred snapshot, then flushes any
// armed save immediately so the last keystrokes persist without waiting out
// the full delay. When no save is armed there is nothing local to persist and
// a replayed snapshot must not bounce back to the backend.
func (document *Document) editingEndedLocked() {
	if document.gate.state == gateOpen {
		if pending, ok := document.gate.takePending(); ok {
			document.applyLocked(pending)
		}
	}
	if document.saveArmed {
		document.debounceFiredLocked()
	}
}

// AddGroup creates an empty group with the given key, keeping display order.
func (document *Document) AddGroup(rawKey string) error {
	key, err := tablelog.NewGroupKey(rawKey)
	if err != nil {
		return err
	}
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	if findGroupIndex(document.groups, key.String()) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateGroup, key.String())
	}
	document.groups = append(document.groups, tablelog.Group{Key: key.String()})
	tablelog.SortGroups(document.groups)
	document.armSaveLocked()
	return nil
}

// AddEntry appends an empty row to the named group.
func (document *Document) AddEntry(groupKey string) error {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	groupIndex := findGroupIndex(document.groups, groupKey)
	if groupIndex < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupKey)
	}
	entry := document.schema.NewEntry(document.nextTempIDLocked())
	document.groups[groupIndex].Entries = append(document.groups[groupIndex].Entries, entry)
	document.armSaveLocked()
	return nil
}

// RemoveEntry deletes one row. Destructive operations save eagerly; if the
// save fails the caller restores state with Reload.
func (document *Document) RemoveEntry(groupKey string, entryIndex int) error {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	groupIndex := findGroupIndex(document.groups, groupKey)
	if groupIndex < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupKey)
	}
	entries := document.groups[groupIndex].Entries
	if entryIndex < 0 || entryIndex >= len(entries) {
		return fmt.Errorf("%w: group %q entry %d", ErrUnknownCell, groupKey, entryIndex)
	}
	document.groups[groupIndex].Entries = append(entries[:entryIndex], entries[entryIndex+1:]...)
	document.saveEagerlyLocked()
	return nil
}

// RemoveGroup deletes a whole group. Destructive operations save eagerly; if
// the save fails the caller restores state with Reload.
func (document *Document) RemoveGroup(groupKey string) error {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	groupIndex := findGroupIndex(document.groups, groupKey)
	if groupIndex < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupKey)
	}
	document.groups = append(document.groups[:groupIndex], document.groups[groupIndex+1:]...)
	document.saveEagerlyLocked()
	return nil
}

// Reload replaces local state from the backend read path. The page layer
// calls it after a destructive save fails, resynchronizing with remote truth.
func (document *Document) Reload(ctx context.Context) error {
	groups, err := document.loader.Load(ctx, document.identity)
	if err != nil {
		return err
	}
	tablelog.SortGroups(groups)
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return ErrDocumentClosed
	}
	document.groups = groups
	document.gate.pending = nil
	return nil
}

// HandleRemote is the gate entry point for push-channel snapshots. While the
// user is editing recently the snapshot is stored as the single pending
// deferred snapshot; otherwise it is applied synchronously.
func (document *Document) HandleRemote(snapshot tablelog.Snapshot) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed {
		return
	}
	if document.session.isEditingRecently(document.clock(), document.timings.EditingRecently) {
		document.gate.deferSnapshot(snapshot)
		return
	}
	if document.gate.state == gateLocked {
		// A stuck reconciliation holds the gate; keep the newest payload for
		// replay once editing ends or the watchdog reopens the gate.
		document.gate.deferSnapshot(snapshot)
		return
	}
	document.applyLocked(snapshot)
}

// applyLocked runs one reconciliation with the gate locked. The watchdog
// reopens the gate if the merge never returns control.
func (document *Document) applyLocked(snapshot tablelog.Snapshot) {
	document.gate.state = gateLocked
	document.gate.lockedAt = document.clock()
	document.gate.watchdog = time.AfterFunc(document.timings.GateWatchdog, document.watchdogFired)
	defer func() {
		if recovered := recover(); recovered != nil {
			document.logger.Error("reconciliation panicked", zap.Any("panic", recovered))
		}
		document.gate.state = gateOpen
		document.gate.stopWatchdog()
	}()
	document.groups = reconcileSnapshot(document.groups, snapshot, document.session.activeCell, document.schema, document.nextTempIDLocked)
}

func (document *Document) watchdogFired() {
	document.mu.Lock()
	defer document.mu.Unlock()
	if document.closed || document.gate.state != gateLocked {
		return
	}
	held := document.clock().Sub(document.gate.lockedAt)
	if held < document.timings.GateWatchdog {
		// The gate was re-locked after this timer was queued; watch the
		// current hold for its remaining duration.
		document.gate.watchdog = time.AfterFunc(document.timings.GateWatchdog-held, document.watchdogFired)
		return
	}
	document.gate.state = gateOpen
	document.gate.watchdog = nil
	document.logger.Warn("reconciler gate force-opened by watchdog", zap.Duration("held", held))
}

// armSaveLocked cancels any pending save timer and starts a new one, with the
// longer delay while an edit session is active.
func (document *Document) armSaveLocked() {
	delay := document.timings.DebounceIdle
	if document.session.mode == modeEditing {
		delay = document.timings.DebounceEditing
	}
	document.rearmSaveLocked(delay)
}

func (document *Document) rearmSaveLocked(delay time.Duration) {
	if document.saveTimer != nil {
		document.saveTimer.Stop()
	}
	document.saveArmed = true
	document.saveTimer = time.AfterFunc(delay, document.debounceFired)
}

func (document *Document) debounceFired() {
	document.mu.Lock()
	defer document.mu.Unlock()
	document.debounceFiredLocked()
}

// debounceFiredLocked consumes the armed save: the timer is disarmed before
// the save starts, so an editing-ended flush and the original timer cannot
// both persist the same burst.
func (document *Document) debounceFiredLocked() {
	if document.closed || !document.saveArmed {
		return
	}
	if document.gate.state == gateLocked {
		// Never persist a half-merged view; try again shortly.
		document.rearmSaveLocked(document.timings.DebounceRetry)
		return
	}
	document.disarmSaveLocked()
	document.startSaveLocked()
}

// saveEagerlyLocked bypasses the debounce delay for destructive operations.
// Any armed save is superseded: the eager save carries the newest state.
func (document *Document) saveEagerlyLocked() {
	if document.gate.state == gateLocked {
		document.rearmSaveLocked(document.timings.DebounceRetry)
		return
	}
	document.disarmSaveLocked()
	document.startSaveLocked()
}

func (document *Document) disarmSaveLocked() {
	if document.saveTimer != nil {
		document.saveTimer.Stop()
		document.saveTimer = nil
	}
	document.saveArmed = false
}

// startSaveLocked snapshots current state and persists it off the lock, so
// input and push deliveries keep flowing while the request is in flight.
func (document *Document) startSaveLocked() {
	if document.session.mode == modeIdle {
		document.session.mode = modeSaving
	}
	stateAtFire := tablelog.CloneGroups(document.groups)
	go document.runSave(stateAtFire)
}

func (document *Document) runSave(groups []tablelog.Group) {
	outcome, ok := document.saver.Save(document.ctx, document.identity, groups)

	document.mu.Lock()
	if document.closed {
		document.mu.Unlock()
		return
	}
	if ok {
		document.adoptServerIDsLocked(outcome.AssignedServerIDs)
	}
	if document.session.mode == modeSaving {
		document.session.mode = modeIdle
	}
	failureCallback := document.onSaveFailure
	document.mu.Unlock()

	if !ok {
		document.logger.Warn("document save failed", zap.String("message", outcome.FailureMessage))
		if failureCallback != nil {
			failureCallback(outcome.FailureMessage)
		}
	}
}

func (document *Document) adoptServerIDsLocked(assigned map[string]string) {
	if len(assigned) == 0 {
		return
	}
	for groupIndex := range document.groups {
		entries := document.groups[groupIndex].Entries
		for entryIndex := range entries {
			if entries[entryIndex].ServerID != "" {
				continue
			}
			if serverID, present := assigned[entries[entryIndex].ClientTempID]; present {
				entries[entryIndex].ServerID = serverID
			}
		}
	}
}

func (document *Document) nextTempIDLocked() string {
	id, err := document.ids.NewID()
	if err != nil {
		document.logger.Error("client temp id generation failed", zap.Error(err))
		return ""
	}
	return id
}

// Teardown unsubscribes from the push channel, cancels in-flight saves and
// stops every timer. Mandatory when the hosting page navigates away.
func (document *Document) Teardown() {
	document.mu.Lock()
	if document.closed {
		document.mu.Unlock()
		return
	}
	document.closed = true
	document.disarmSaveLocked()
	if document.graceTimer != nil {
		document.graceTimer.Stop()
		document.graceTimer = nil
	}
	document.gate.stopWatchdog()
	document.gate.pending = nil
	unsubscribe := document.unsubscribe
	document.unsubscribe = nil
	document.mu.Unlock()

	document.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}
