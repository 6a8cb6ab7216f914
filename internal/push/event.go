// Package push moves document-change events between collaborators: an
// in-process dispatcher on the backend side and a websocket gateway on the
// page side, both speaking the same event encoding.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagecrew/tablesync/internal/tablelog"
)

// EventDocumentUpdated is the coarse-grained event name carrying a full
// document snapshot. Fine-grained events are named per section, for example
// "cardLogUpdated", and carry a single group.
const EventDocumentUpdated = "documentUpdated"

var (
	// ErrMalformedEvent indicates a push payload that cannot be decoded.
	ErrMalformedEvent = errors.New("push: malformed event")
)

// SectionEventName derives the fine-grained event name for a section.
func SectionEventName(section string) string {
	return section + "Updated"
}

// EventIdentity is the wire form of a document identity.
type EventIdentity struct {
	ResourceID string `json:"resourceId"`
	Section    string `json:"section"`
}

// Event is one push-channel payload. Exactly one of Group and FullSnapshot
// is set: Group for fine-grained section events, FullSnapshot for coarse
// document events.
type Event struct {
	Name         string                    `json:"name"`
	Identity     EventIdentity             `json:"identity"`
	Group        *tablelog.GroupPayload    `json:"group,omitempty"`
	FullSnapshot *tablelog.DocumentPayload `json:"fullSnapshot,omitempty"`
}

// NewSectionEvent builds a fine-grained event carrying one group.
func NewSectionEvent(identity tablelog.DocumentIdentity, group tablelog.Group) Event {
	payload := tablelog.EncodeGroup(group)
	return Event{
		Name:     SectionEventName(identity.Section()),
		Identity: EventIdentity{ResourceID: identity.ResourceID(), Section: identity.Section()},
		Group:    &payload,
	}
}

// NewDocumentEvent builds a coarse event carrying the full document.
func NewDocumentEvent(identity tablelog.DocumentIdentity, groups []tablelog.Group) Event {
	payload := tablelog.EncodeGroups(groups)
	return Event{
		Name:         EventDocumentUpdated,
		Identity:     EventIdentity{ResourceID: identity.ResourceID(), Section: identity.Section()},
		FullSnapshot: &payload,
	}
}

// DecodeEvent parses a push payload, rejecting frames without a usable
// identity or body.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Name == "" {
		return Event{}, fmt.Errorf("%w: missing name", ErrMalformedEvent)
	}
	if event.Identity.ResourceID == "" || event.Identity.Section == "" {
		return Event{}, fmt.Errorf("%w: missing identity", ErrMalformedEvent)
	}
	if event.Group == nil && event.FullSnapshot == nil {
		return Event{}, fmt.Errorf("%w: missing body", ErrMalformedEvent)
	}
	return event, nil
}

// Encode serializes the event for the wire.
func (event Event) Encode() ([]byte, error) {
	return json.Marshal(event)
}

// AppliesTo reports whether this event targets the given document: the
// identity must match exactly and the event name must be either the coarse
// document event or the document's own section event.
func (event Event) AppliesTo(identity tablelog.DocumentIdentity) bool {
	if event.Identity.ResourceID != identity.ResourceID() || event.Identity.Section != identity.Section() {
		return false
	}
	return event.Name == EventDocumentUpdated || event.Name == SectionEventName(identity.Section())
}

// Snapshot converts the event body to a reconciler snapshot. Coarse events
// yield authoritative snapshots; fine-grained events yield partial ones.
func (event Event) Snapshot() (tablelog.Snapshot, bool) {
	if event.FullSnapshot != nil {
		return tablelog.Snapshot{Authoritative: true, Groups: tablelog.DecodeGroups(*event.FullSnapshot)}, true
	}
	if event.Group != nil {
		return tablelog.Snapshot{Groups: []tablelog.Group{tablelog.DecodeGroup(*event.Group)}}, true
	}
	return tablelog.Snapshot{}, false
}
