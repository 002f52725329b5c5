package track

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeRecordStampsSchemaTags(t *testing.T) {
	record := Record{
		DocumentID: "doc-1",
		UpdatedAt:  FormatTime(time.Unix(1700000000, 0)),
	}

	payload, err := EncodeRecord(record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("encoded record is not valid JSON: %v", err)
	}
	if string(raw["schema"]) != `"tandem-track-v1"` {
		t.Fatalf("expected schema tag, got %s", raw["schema"])
	}
	if string(raw["schemaVersion"]) != `"1.0"` {
		t.Fatalf("expected schema version tag, got %s", raw["schemaVersion"])
	}
	if string(raw["changeLog"]) != "[]" {
		t.Fatalf("expected empty change log array, got %s", raw["changeLog"])
	}
	if string(raw["stateSnapshot"]) != "[]" {
		t.Fatalf("expected empty state snapshot array, got %s", raw["stateSnapshot"])
	}
}

func TestRecordRoundTripPreservesContent(t *testing.T) {
	original := Record{
		DocumentID: "doc-1",
		Title:      "Kickoff Notes",
		CreatedAt:  FormatTime(time.Unix(1600000000, 0)),
		UpdatedAt:  FormatTime(time.Unix(1700000000, 0)),
		ChangeLog: []ChangeEntry{
			{ID: "c-1", Author: "alice", AuthorKind: AuthorKindHuman, Timestamp: 1700000000000, Delta: json.RawMessage(`{"insert":"hello"}`)},
			{ID: "c-2", Author: "agent", AuthorKind: AuthorKindAI, Timestamp: 1700000001000},
		},
		StateSnapshot: StateBytes{1, 2, 3},
	}

	payload, err := EncodeRecord(original)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeRecord(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	if decoded.DocumentID != original.DocumentID {
		t.Fatalf("document id mismatch: %q", decoded.DocumentID)
	}
	if decoded.Title != original.Title {
		t.Fatalf("title mismatch: %q", decoded.Title)
	}
	if len(decoded.ChangeLog) != 2 {
		t.Fatalf("expected 2 change entries, got %d", len(decoded.ChangeLog))
	}
	if decoded.ChangeLog[0].Author != "alice" || decoded.ChangeLog[0].AuthorKind != AuthorKindHuman {
		t.Fatalf("unexpected first change entry: %+v", decoded.ChangeLog[0])
	}
	if string(decoded.StateSnapshot) != string(original.StateSnapshot) {
		t.Fatalf("state snapshot mismatch: %v", decoded.StateSnapshot)
	}
}

func TestDecodeRecordRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not-json", payload: "{truncated"},
		{name: "unknown-schema", payload: `{"schema":"other-format","documentId":"doc-1","updatedAt":"2024-01-01T00:00:00Z"}`},
		{name: "missing-document-id", payload: `{"schema":"tandem-track-v1","updatedAt":"2024-01-01T00:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecord([]byte(tt.payload)); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeRecordAcceptsLegacyUntaggedPayload(t *testing.T) {
	payload := `{"documentId":"doc-1","updatedAt":"2024-01-01T00:00:00Z","changeLog":[{"author":"alice","timestamp":1700000000000}],"stateSnapshot":[1,2]}`
	record, err := DecodeRecord([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Title != "" || record.CreatedAt != "" {
		t.Fatalf("legacy fields should decode empty, got title=%q createdAt=%q", record.Title, record.CreatedAt)
	}
	if len(record.ChangeLog) != 1 || record.ChangeLog[0].ID != "" {
		t.Fatalf("unexpected change log: %+v", record.ChangeLog)
	}
}

func TestChangeEntryRoundTrip(t *testing.T) {
	entry := ChangeEntry{
		ID:         "c-1",
		Author:     "alice",
		AuthorKind: AuthorKindHuman,
		Timestamp:  1700000000000,
		Delta:      json.RawMessage(`{"insert":"x"}`),
	}
	payload, err := EncodeChangeEntry(entry)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeChangeEntry(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.ID != entry.ID || decoded.Author != entry.Author || decoded.Timestamp != entry.Timestamp {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if _, err := DecodeChangeEntry([]byte("{bad")); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
