package store

// EntryRecord is the persisted form of one table row. A document's rows are
// keyed by resource, section and group, ordered by position within the group.
type EntryRecord struct {
	RecordID   int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	ResourceID string `gorm:"column:resource_id;size:190;not null;index:idx_entries_document,priority:1"`
	Section    string `gorm:"column:section;size:190;not null;index:idx_entries_document,priority:2"`
	GroupKey   string `gorm:"column:group_key;size:190;not null;index:idx_entries_document,priority:3"`
	Position   int    `gorm:"column:position;not null"`
	ServerID   string `gorm:"column:server_id;size:190;not null;uniqueIndex:idx_entries_server_id"`
	FieldsJSON string `gorm:"column:fields_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRecord) TableName() string {
	return "table_entries"
}
