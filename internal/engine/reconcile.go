package engine

import "github.com/stagecrew/tablesync/internal/tablelog"

// reconcileSnapshot merges a remote snapshot into the local group list and
// returns the merged list sorted by key. Groups absent from an authoritative
// snapshot are removed; a partial snapshot only touches the groups it names.
// Row counts reconcile by position: extra remote rows are appended, surplus
// local rows are trimmed from the tail. The field named by activeCell is
// never overwritten.
func reconcileSnapshot(local []tablelog.Group, snapshot tablelog.Snapshot, activeCell *CellRef, schema tablelog.Schema, nextTempID func() string) []tablelog.Group {
	if snapshot.Authoritative {
		local = dropMissingGroups(local, snapshot.Groups)
	}

	for _, remote := range snapshot.Groups {
		localIndex := findGroupIndex(local, remote.Key)
		if localIndex < 0 {
			local = append(local, importGroup(remote, schema, nextTempID))
			continue
		}
		group := &local[localIndex]
		for len(group.Entries) < len(remote.Entries) {
			group.Entries = append(group.Entries, schema.NewEntry(nextTempID()))
		}
		if len(group.Entries) > len(remote.Entries) {
			group.Entries = group.Entries[:len(remote.Entries)]
		}
		for entryIndex := range remote.Entries {
			mergeEntryFields(group.Key, entryIndex, &group.Entries[entryIndex], remote.Entries[entryIndex], activeCell, schema)
		}
	}

	tablelog.SortGroups(local)
	return local
}

func mergeEntryFields(groupKey string, entryIndex int, localEntry *tablelog.Entry, remoteEntry tablelog.Entry, activeCell *CellRef, schema tablelog.Schema) {
	if localEntry.Fields == nil {
		localEntry.Fields = make(map[string]string, schema.Len())
	}
	for _, fieldName := range schema.Fields() {
		if activeCell != nil && activeCell.GroupKey == groupKey && activeCell.EntryIndex == entryIndex && activeCell.Field == fieldName {
			continue
		}
		remoteValue := remoteEntry.Fields[fieldName]
		if localEntry.Fields[fieldName] != remoteValue {
			localEntry.Fields[fieldName] = remoteValue
		}
	}
	if remoteEntry.ServerID != "" {
		localEntry.ServerID = remoteEntry.ServerID
	}
}

// importGroup copies a remote group wholesale. Nothing local needs
// preserving, so every entry is populated fresh from the snapshot.
func importGroup(remote tablelog.Group, schema tablelog.Schema, nextTempID func() string) tablelog.Group {
	entries := make([]tablelog.Entry, 0, len(remote.Entries))
	for _, remoteEntry := range remote.Entries {
		entry := schema.NewEntry(nextTempID())
		for _, fieldName := range schema.Fields() {
			entry.Fields[fieldName] = remoteEntry.Fields[fieldName]
		}
		entry.ServerID = remoteEntry.ServerID
		entries = append(entries, entry)
	}
	return tablelog.Group{Key: remote.Key, Entries: entries}
}

func dropMissingGroups(local []tablelog.Group, remote []tablelog.Group) []tablelog.Group {
	remoteKeys := make(map[string]struct{}, len(remote))
	for _, group := range remote {
		remoteKeys[group.Key] = struct{}{}
	}
	kept := make([]tablelog.Group, 0, len(local))
	for _, group := range local {
		if _, present := remoteKeys[group.Key]; present {
			kept = append(kept, group)
		}
	}
	return kept
}

func findGroupIndex(groups []tablelog.Group, key string) int {
	for index := range groups {
		if groups[index].Key == key {
			return index
		}
	}
	return -1
}
