package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagecrew/tablesync/internal/tablelog"
)

var testTimings = Timings{
	DebounceEditing: 40 * time.Millisecond,
	DebounceIdle:    20 * time.Millisecond,
	DebounceRetry:   10 * time.Millisecond,
	BlurGrace:       15 * time.Millisecond,
	EditingRecently: 2 * time.Second,
	GateWatchdog:    30 * time.Millisecond,
}

type recordingSaver struct {
	mu      sync.Mutex
	calls   [][]tablelog.Group
	outcome SaveOutcome
	ok      bool
	saved   chan struct{}
}

func newRecordingSaver() *recordingSaver {
	return &recordingSaver{ok: true, saved: make(chan struct{}, 32)}
}

func (saver *recordingSaver) Save(_ context.Context, _ tablelog.DocumentIdentity, groups []tablelog.Group) (SaveOutcome, bool) {
	saver.mu.Lock()
	saver.calls = append(saver.calls, tablelog.CloneGroups(groups))
	outcome, ok := saver.outcome, saver.ok
	saver.mu.Unlock()
	saver.saved <- struct{}{}
	return outcome, ok
}

func (saver *recordingSaver) callCount() int {
	saver.mu.Lock()
	defer saver.mu.Unlock()
	return len(saver.calls)
}

func (saver *recordingSaver) lastCall() []tablelog.Group {
	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.calls) == 0 {
		return nil
	}
	return saver.calls[len(saver.calls)-1]
}

type staticLoader struct {
	groups []tablelog.Group
	err    error
}

func (loader *staticLoader) Load(context.Context, tablelog.DocumentIdentity) ([]tablelog.Group, error) {
	if loader.err != nil {
		return nil, loader.err
	}
	return tablelog.CloneGroups(loader.groups), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

type sequentialIDs struct {
	mu      sync.Mutex
	counter int
}

func (ids *sequentialIDs) NewID() (string, error) {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	ids.counter++
	return fmt.Sprintf("tmp-seq-%d", ids.counter), nil
}

func mustIdentity(t *testing.T) tablelog.DocumentIdentity {
	t.Helper()
	identity, err := tablelog.NewDocumentIdentity("prod-42", tablelog.SectionCardLog)
	if err != nil {
		t.Fatalf("build identity: %v", err)
	}
	return identity
}

func seededGroups(t *testing.T, schema tablelog.Schema) []tablelog.Group {
	t.Helper()
	return []tablelog.Group{{
		Key: "2024-05-01",
		Entries: []tablelog.Entry{
			entryWith(t, schema, "seed-1", map[string]string{"camera": "A"}),
		},
	}}
}

func newTestDocument(t *testing.T, saver Saver, loader Loader, clock func() time.Time) *Document {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Saver:      saver,
		Loader:     loader,
		IDProvider: &sequentialIDs{},
		Clock:      clock,
		Timings:    testTimings,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	document, err := engine.CreateDocument(context.Background(), DocumentConfig{
		Identity: mustIdentity(t),
		Schema:   testSchema(t),
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	t.Cleanup(document.Teardown)
	return document
}

func waitForSave(t *testing.T, saver *recordingSaver) {
	t.Helper()
	select {
	case <-saver.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a save")
	}
}

func waitForCondition(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal(message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRapidInputCoalescesIntoOneSave(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "card1"}
	document.OnFocus(cell)
	for _, value := range []string{"0", "00", "004", "0042"} {
		if err := document.OnInput(cell, value); err != nil {
			t.Fatalf("input: %v", err)
		}
	}

	waitForSave(t, saver)
	time.Sleep(3 * testTimings.DebounceEditing)

	if count := saver.callCount(); count != 1 {
		t.Fatalf("expected one coalesced save, got %d", count)
	}
	persisted := saver.lastCall()
	if persisted[0].Entries[0].Fields["card1"] != "0042" {
		t.Fatalf("save carried stale value: %#v", persisted[0].Entries[0].Fields)
	}
}

func TestRemoteSnapshotDeferredWhileEditingThenReplayedOnBlur(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	document.OnFocus(cell)
	if err := document.OnInput(cell, "draft"); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitForSave(t, saver)

	document.HandleRemote(tablelog.Snapshot{Groups: []tablelog.Group{{
		Key: "2024-05-01",
		Entries: []tablelog.Entry{
			entryWith(t, schema, "", map[string]string{"camera": "remote", "user": "dana"}),
		},
	}}})

	if value, _ := document.FieldValue(cell); value != "draft" {
		t.Fatalf("snapshot applied mid-edit, cell now %q", value)
	}

	document.OnBlur(cell)
	waitForCondition(t, "deferred snapshot not replayed after blur", func() bool {
		value, _ := document.FieldValue(cell)
		return value == "remote"
	})

	if value, _ := document.FieldValue(CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "user"}); value != "dana" {
		t.Fatalf("deferred snapshot incomplete, user %q", value)
	}

	// The replayed merge is remote-originated; it must not be persisted.
	time.Sleep(3 * testTimings.DebounceEditing)
	if count := saver.callCount(); count != 1 {
		t.Fatalf("replayed snapshot bounced back to the backend, %d saves", count)
	}
}

func TestBlurAfterKeystrokeSavesExactlyOnce(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "card1"}
	document.OnFocus(cell)
	if err := document.OnInput(cell, "0042"); err != nil {
		t.Fatalf("input: %v", err)
	}
	document.OnBlur(cell)

	waitForSave(t, saver)
	time.Sleep(4 * testTimings.DebounceEditing)

	if count := saver.callCount(); count != 1 {
		t.Fatalf("blur flush and debounce timer both saved, %d calls", count)
	}
	if saver.lastCall()[0].Entries[0].Fields["card1"] != "0042" {
		t.Fatalf("flushed save carried stale value: %#v", saver.lastCall()[0].Entries[0].Fields)
	}
}

func TestFocusBlurWithoutMutationsDoesNotSave(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	document.OnFocus(cell)
	document.OnBlur(cell)

	time.Sleep(3*testTimings.BlurGrace + 2*testTimings.DebounceEditing)
	if count := saver.callCount(); count != 0 {
		t.Fatalf("blur without mutations saved unchanged state, %d calls", count)
	}
}

func TestRemoteSnapshotAppliesImmediatelyWhenEditingWentStale(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	document.OnFocus(cell)
	if err := document.OnInput(cell, "draft"); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitForSave(t, saver)

	clock.Advance(testTimings.EditingRecently + time.Second)

	document.HandleRemote(tablelog.Snapshot{Groups: []tablelog.Group{{
		Key: "2024-05-01",
		Entries: []tablelog.Entry{
			entryWith(t, schema, "", map[string]string{"camera": "remote", "user": "dana"}),
		},
	}}})

	if value, _ := document.FieldValue(cell); value != "draft" {
		t.Fatalf("focused cell overwritten by stale-edit apply, got %q", value)
	}
	if value, _ := document.FieldValue(CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "user"}); value != "dana" {
		t.Fatalf("sibling field not applied, user %q", value)
	}

	document.mu.Lock()
	pending := document.gate.pending
	document.mu.Unlock()
	if pending != nil {
		t.Fatal("applied snapshot must not linger as pending")
	}
}

func TestBlurGraceAbsorbedByRefocus(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cellA := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	cellB := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "card1"}
	document.OnFocus(cellA)
	document.OnBlur(cellA)
	document.OnFocus(cellB)

	time.Sleep(3 * testTimings.BlurGrace)

	document.mu.Lock()
	mode := document.session.mode
	active := document.session.activeCell
	document.mu.Unlock()
	if mode != modeEditing || active == nil || *active != cellB {
		t.Fatalf("tab between cells ended the edit session: mode=%v active=%v", mode, active)
	}
}

func TestDebounceRetriesWhileGateLocked(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	document.mu.Lock()
	document.gate.state = gateLocked
	document.gate.lockedAt = clock.Now()
	document.mu.Unlock()

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	if err := document.OnInput(cell, "held"); err != nil {
		t.Fatalf("input: %v", err)
	}

	time.Sleep(testTimings.DebounceEditing + 3*testTimings.DebounceRetry)
	if count := saver.callCount(); count != 0 {
		t.Fatalf("save ran against a locked gate, %d calls", count)
	}

	document.mu.Lock()
	document.gate.state = gateOpen
	document.mu.Unlock()

	waitForSave(t, saver)
	if saver.lastCall()[0].Entries[0].Fields["camera"] != "held" {
		t.Fatal("retried save carried stale state")
	}
}

func TestWatchdogForceOpensStuckGate(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	document.mu.Lock()
	document.gate.state = gateLocked
	document.gate.lockedAt = clock.Now()
	document.mu.Unlock()

	clock.Advance(testTimings.GateWatchdog + time.Millisecond)
	document.watchdogFired()

	document.mu.Lock()
	state := document.gate.state
	document.mu.Unlock()
	if state != gateOpen {
		t.Fatal("watchdog left the gate locked")
	}
}

func TestWatchdogRearmsForAFreshLock(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	// The timer fires against a lock newer than the one it was queued for.
	document.mu.Lock()
	document.gate.state = gateLocked
	document.gate.lockedAt = clock.Now()
	document.mu.Unlock()
	document.watchdogFired()

	document.mu.Lock()
	state := document.gate.state
	rearmed := document.gate.watchdog != nil
	document.mu.Unlock()
	if state != gateLocked {
		t.Fatal("watchdog opened a gate that was not yet overdue")
	}
	if !rearmed {
		t.Fatal("watchdog was not re-armed for the remaining hold")
	}

	clock.Advance(testTimings.GateWatchdog + time.Millisecond)
	document.watchdogFired()

	document.mu.Lock()
	state = document.gate.state
	document.mu.Unlock()
	if state != gateOpen {
		t.Fatal("re-armed watchdog never force-opened the gate")
	}
}

func TestDestructiveSaveFailureSurfacesAndReloadRestores(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	saver.ok = false
	saver.outcome = SaveOutcome{FailureMessage: "storage rejected the write"}
	clock := newManualClock()
	loader := &staticLoader{groups: seededGroups(t, schema)}

	failures := make(chan string, 1)
	engine, err := NewEngine(EngineConfig{
		Saver:      saver,
		Loader:     loader,
		IDProvider: &sequentialIDs{},
		Clock:      clock.Now,
		Timings:    testTimings,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	document, err := engine.CreateDocument(context.Background(), DocumentConfig{
		Identity:      mustIdentity(t),
		Schema:        testSchema(t),
		OnSaveFailure: func(message string) { failures <- message },
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	t.Cleanup(document.Teardown)

	if err := document.RemoveGroup("2024-05-01"); err != nil {
		t.Fatalf("remove group: %v", err)
	}
	waitForSave(t, saver)
	if len(saver.lastCall()) != 0 {
		t.Fatal("eager save did not carry the deletion")
	}

	select {
	case message := <-failures:
		if message != "storage rejected the write" {
			t.Fatalf("unexpected failure message %q", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("save failure never surfaced")
	}

	if err := document.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	groups := document.Groups()
	if len(groups) != 1 || groups[0].Key != "2024-05-01" {
		t.Fatalf("reload did not restore remote truth: %#v", groups)
	}
}

func TestSuccessfulSaveAdoptsAssignedServerIDs(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	saver.mu.Lock()
	saver.outcome = SaveOutcome{AssignedServerIDs: map[string]string{"tmp-seq-1": "srv-900"}}
	saver.mu.Unlock()

	if err := document.AddEntry("2024-05-01"); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	groups := document.Groups()
	if groups[0].Entries[1].ClientTempID != "tmp-seq-1" {
		t.Fatalf("unexpected client temp id %q", groups[0].Entries[1].ClientTempID)
	}

	waitForSave(t, saver)
	waitForCondition(t, "server id never adopted", func() bool {
		groups = document.Groups()
		return groups[0].Entries[1].ServerID == "srv-900"
	})
}

func TestTeardownStopsFurtherWork(t *testing.T) {
	schema := testSchema(t)
	saver := newRecordingSaver()
	clock := newManualClock()
	document := newTestDocument(t, saver, &staticLoader{groups: seededGroups(t, schema)}, clock.Now)

	cell := CellRef{GroupKey: "2024-05-01", EntryIndex: 0, Field: "camera"}
	if err := document.OnInput(cell, "last words"); err != nil {
		t.Fatalf("input: %v", err)
	}
	document.Teardown()
	document.Teardown()

	if err := document.OnInput(cell, "after close"); err != ErrDocumentClosed {
		t.Fatalf("expected ErrDocumentClosed, got %v", err)
	}

	time.Sleep(3 * testTimings.DebounceIdle)
	if count := saver.callCount(); count != 0 {
		t.Fatalf("save ran after teardown, %d calls", count)
	}
}
