package tablelog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidGroupKey indicates that a group key is empty or exceeds storage bounds.
	ErrInvalidGroupKey = errors.New("tablelog: invalid group key")
	// ErrInvalidSchema indicates that a field schema is empty or contains duplicates.
	ErrInvalidSchema = errors.New("tablelog: invalid schema")
)

// GroupKey represents a validated group key, unique within a document.
// Card and folder logs use ISO dates, so lexicographic order is display order.
type GroupKey string

// NewGroupKey validates raw input and returns a GroupKey.
func NewGroupKey(rawInput string) (GroupKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupKey, maxIdentifierLength)
	}
	return GroupKey(trimmed), nil
}

// String returns the underlying key.
func (key GroupKey) String() string {
	return string(key)
}

// Schema fixes the editable field names for one page kind.
type Schema struct {
	fields []string
}

// NewSchema validates the field list and returns a Schema.
func NewSchema(fieldNames ...string) (Schema, error) {
	if len(fieldNames) == 0 {
		return Schema{}, fmt.Errorf("%w: no fields", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(fieldNames))
	fields := make([]string, 0, len(fieldNames))
	for _, raw := range fieldNames {
		name := strings.TrimSpace(raw)
		if name == "" {
			return Schema{}, fmt.Errorf("%w: empty field name", ErrInvalidSchema)
		}
		if _, duplicate := seen[name]; duplicate {
			return Schema{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, name)
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
	}
	return Schema{fields: fields}, nil
}

// Fields returns a copy of the field names in declaration order.
func (schema Schema) Fields() []string {
	return append([]string(nil), schema.fields...)
}

// Contains reports whether the schema declares the named field.
func (schema Schema) Contains(fieldName string) bool {
	for _, field := range schema.fields {
		if field == fieldName {
			return true
		}
	}
	return false
}

// Len returns the number of declared fields.
func (schema Schema) Len() int {
	return len(schema.fields)
}

// Entry is one editable row. ClientTempID correlates the row before it has
// ever been persisted; ServerID takes over for correlation and persistence
// payloads once the backend has accepted the row.
type Entry struct {
	ClientTempID string
	ServerID     string
	Fields       map[string]string
}

// NewEntry builds an empty entry for the schema with the given client temp id.
func (schema Schema) NewEntry(clientTempID string) Entry {
	fields := make(map[string]string, len(schema.fields))
	for _, field := range schema.fields {
		fields[field] = ""
	}
	return Entry{ClientTempID: clientTempID, Fields: fields}
}

// Clone returns a deep copy of the entry.
func (entry Entry) Clone() Entry {
	fields := make(map[string]string, len(entry.Fields))
	for name, value := range entry.Fields {
		fields[name] = value
	}
	return Entry{ClientTempID: entry.ClientTempID, ServerID: entry.ServerID, Fields: fields}
}

// Group is a keyed partition of rows within a document, for example one
// calendar day of a card log.
type Group struct {
	Key     string
	Entries []Entry
}

// Clone returns a deep copy of the group.
func (group Group) Clone() Group {
	entries := make([]Entry, 0, len(group.Entries))
	for _, entry := range group.Entries {
		entries = append(entries, entry.Clone())
	}
	return Group{Key: group.Key, Entries: entries}
}

// CloneGroups deep-copies a group slice so payloads cross component
// boundaries immutably.
func CloneGroups(groups []Group) []Group {
	if groups == nil {
		return nil
	}
	copies := make([]Group, 0, len(groups))
	for _, group := range groups {
		copies = append(copies, group.Clone())
	}
	return copies
}

// SortGroups orders groups by key ascending, the display order.
func SortGroups(groups []Group) {
	sort.Slice(groups, func(left, right int) bool {
		return groups[left].Key < groups[right].Key
	})
}

// Snapshot is a point-in-time payload describing some or all groups of a
// document. An authoritative snapshot covers the whole document: keys absent
// from it were deleted remotely. A partial snapshot only updates the groups
// it carries.
type Snapshot struct {
	Authoritative bool
	Groups        []Group
}

// Clone returns a deep copy of the snapshot.
func (snapshot Snapshot) Clone() Snapshot {
	return Snapshot{Authoritative: snapshot.Authoritative, Groups: CloneGroups(snapshot.Groups)}
}
