package tablelog

import (
	"errors"
	"testing"
)

func TestNewSchemaRejectsEmptyAndDuplicateFields(t *testing.T) {
	if _, err := NewSchema(); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected schema error for empty field list, got %v", err)
	}
	if _, err := NewSchema("camera", " "); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected schema error for blank field, got %v", err)
	}
	if _, err := NewSchema("camera", "camera"); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected schema error for duplicate field, got %v", err)
	}

	schema, err := NewSchema("camera", "card1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !schema.Contains("card1") || schema.Contains("card9") {
		t.Fatal("unexpected field membership")
	}
	entry := schema.NewEntry("tmp-1")
	if len(entry.Fields) != 2 || entry.Fields["camera"] != "" {
		t.Fatalf("expected empty entry for every field, got %#v", entry.Fields)
	}
}

func TestCloneGroupsIsDeep(t *testing.T) {
	groups := []Group{{
		Key: "2024-05-01",
		Entries: []Entry{{
			ClientTempID: "tmp-1",
			Fields:       map[string]string{"camera": "A"},
		}},
	}}

	copies := CloneGroups(groups)
	copies[0].Entries[0].Fields["camera"] = "B"
	copies[0].Entries[0].ServerID = "srv-1"

	if groups[0].Entries[0].Fields["camera"] != "A" {
		t.Fatal("mutating the clone leaked into the original")
	}
	if groups[0].Entries[0].ServerID != "" {
		t.Fatal("mutating the clone leaked server id into the original")
	}
}

func TestSortGroupsOrdersByKeyAscending(t *testing.T) {
	groups := []Group{{Key: "2024-05-03"}, {Key: "2024-05-01"}, {Key: "2024-05-02"}}
	SortGroups(groups)
	for index, expected := range []string{"2024-05-01", "2024-05-02", "2024-05-03"} {
		if groups[index].Key != expected {
			t.Fatalf("unexpected order at %d: %s", index, groups[index].Key)
		}
	}
}

func TestEntryWireFormSeparatesReservedKeys(t *testing.T) {
	entry := Entry{
		ClientTempID: "tmp-1",
		ServerID:     "srv-9",
		Fields:       map[string]string{"camera": "A", "card1": "0042"},
	}

	payload := EncodeEntry(entry)
	if payload["id"] != "srv-9" || payload["clientTempId"] != "tmp-1" {
		t.Fatalf("reserved keys missing from payload: %#v", payload)
	}
	if payload["camera"] != "A" {
		t.Fatalf("field value missing from payload: %#v", payload)
	}

	decoded := DecodeEntry(payload)
	if decoded.ServerID != "srv-9" || decoded.ClientTempID != "tmp-1" {
		t.Fatalf("reserved keys not restored: %#v", decoded)
	}
	if _, leaked := decoded.Fields["id"]; leaked {
		t.Fatal("reserved key leaked into fields")
	}
	if decoded.Fields["card1"] != "0042" {
		t.Fatalf("field value not restored: %#v", decoded.Fields)
	}
}

func TestSchemaForSectionKnowsEveryCatalogEntry(t *testing.T) {
	for _, section := range KnownSections() {
		schema, known := SchemaForSection(section)
		if !known {
			t.Fatalf("expected schema for section %s", section)
		}
		if schema.Len() == 0 {
			t.Fatalf("expected non-empty schema for section %s", section)
		}
	}
	if _, known := SchemaForSection("craftServices"); known {
		t.Fatal("expected unknown section to have no schema")
	}
}
