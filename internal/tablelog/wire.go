package tablelog

// Wire shapes shared by the persistence client, the push channel and the
// reference backend. An entry travels as a flat string map: its editable
// fields plus the reserved "id" and "clientTempId" keys.
const (
	payloadKeyServerID     = "id"
	payloadKeyClientTempID = "clientTempId"
)

// EntryPayload is the wire form of one row.
type EntryPayload map[string]string

// GroupPayload is the wire form of one group.
type GroupPayload struct {
	Key     string         `json:"key"`
	Entries []EntryPayload `json:"entries"`
}

// DocumentPayload is the wire form of a whole document.
type DocumentPayload struct {
	Groups []GroupPayload `json:"groups"`
}

// EncodeEntry flattens an entry into its wire form.
func EncodeEntry(entry Entry) EntryPayload {
	payload := make(EntryPayload, len(entry.Fields)+2)
	for name, value := range entry.Fields {
		payload[name] = value
	}
	if entry.ServerID != "" {
		payload[payloadKeyServerID] = entry.ServerID
	}
	if entry.ClientTempID != "" {
		payload[payloadKeyClientTempID] = entry.ClientTempID
	}
	return payload
}

// DecodeEntry rebuilds an entry from its wire form.
func DecodeEntry(payload EntryPayload) Entry {
	entry := Entry{Fields: make(map[string]string, len(payload))}
	for name, value := range payload {
		switch name {
		case payloadKeyServerID:
			entry.ServerID = value
		case payloadKeyClientTempID:
			entry.ClientTempID = value
		default:
			entry.Fields[name] = value
		}
	}
	return entry
}

// EncodeGroup flattens a group into its wire form.
func EncodeGroup(group Group) GroupPayload {
	entries := make([]EntryPayload, 0, len(group.Entries))
	for _, entry := range group.Entries {
		entries = append(entries, EncodeEntry(entry))
	}
	return GroupPayload{Key: group.Key, Entries: entries}
}

// DecodeGroup rebuilds a group from its wire form.
func DecodeGroup(payload GroupPayload) Group {
	entries := make([]Entry, 0, len(payload.Entries))
	for _, entryPayload := range payload.Entries {
		entries = append(entries, DecodeEntry(entryPayload))
	}
	return Group{Key: payload.Key, Entries: entries}
}

// EncodeGroups flattens a group list into a document payload.
func EncodeGroups(groups []Group) DocumentPayload {
	payloads := make([]GroupPayload, 0, len(groups))
	for _, group := range groups {
		payloads = append(payloads, EncodeGroup(group))
	}
	return DocumentPayload{Groups: payloads}
}

// DecodeGroups rebuilds a group list from a document payload.
func DecodeGroups(payload DocumentPayload) []Group {
	groups := make([]Group, 0, len(payload.Groups))
	for _, groupPayload := range payload.Groups {
		groups = append(groups, DecodeGroup(groupPayload))
	}
	return groups
}
