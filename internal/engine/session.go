package engine

import "time"

// CellRef identifies one editable cell within a document.
type CellRef struct {
	GroupKey   string
	EntryIndex int
	Field      string
}

type sessionMode int

const (
	modeIdle sessionMode = iota
	modeEditing
	modeSaving
)

// editSession tracks whether the local user is actively editing, which cell
// holds input focus, and when they last typed. One session exists per open
// document; all transitions run under the document mutex.
type editSession struct {
	mode        sessionMode
	activeCell  *CellRef
	lastInputAt time.Time
}

func (session *editSession) isEditingRecently(now time.Time, threshold time.Duration) bool {
	if session.mode != modeEditing {
		return false
	}
	return now.Sub(session.lastInputAt) < threshold
}
