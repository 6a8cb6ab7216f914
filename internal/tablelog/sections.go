package tablelog

// Section names for the production pages served by the engine. Each section
// of a resource is an independently synced document.
const (
	SectionCardLog       = "cardLog"
	SectionFolderLog     = "folderLog"
	SectionTravel        = "travel"
	SectionAccommodation = "accommodation"
)

var sectionSchemas = map[string][]string{
	SectionCardLog:       {"camera", "card1", "card2", "user"},
	SectionFolderLog:     {"folder", "contents", "user"},
	SectionTravel:        {"traveller", "origin", "destination", "departure", "arrival", "booking"},
	SectionAccommodation: {"guest", "hotel", "checkIn", "checkOut", "confirmation"},
}

// SchemaForSection returns the fixed field schema for a known section name.
func SchemaForSection(section string) (Schema, bool) {
	fields, known := sectionSchemas[section]
	if !known {
		return Schema{}, false
	}
	schema, err := NewSchema(fields...)
	if err != nil {
		return Schema{}, false
	}
	return schema, true
}

// KnownSections lists the section names with fixed schemas.
func KnownSections() []string {
	return []string{SectionCardLog, SectionFolderLog, SectionTravel, SectionAccommodation}
}
