package track

import (
	"encoding/json"
	"fmt"
)

// EncodeRecord serializes a record into the tandem-track-v1 JSON form. The
// schema tags are stamped on every encode so legacy in-memory records can
// never write an untagged payload.
func EncodeRecord(record Record) ([]byte, error) {
	record.SchemaVersion = SchemaVersion
	record.Schema = SchemaName
	if record.ChangeLog == nil {
		record.ChangeLog = []ChangeEntry{}
	}
	if record.StateSnapshot == nil {
		record.StateSnapshot = StateBytes{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("track: record encode failed: %w", err)
	}
	return data, nil
}

// EncodeChangeEntry serializes one change entry for transport.
func EncodeChangeEntry(entry ChangeEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("track: change entry encode failed: %w", err)
	}
	return data, nil
}

// DecodeChangeEntry parses one change entry from transport.
func DecodeChangeEntry(data []byte) (ChangeEntry, error) {
	var entry ChangeEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return ChangeEntry{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return entry, nil
}

// DecodeRecord parses a durable record payload. Records written before the
// title and createdAt fields existed decode cleanly with those fields left
// empty; callers apply fallbacks at projection time so a read-modify-write
// cycle never invents values that were absent on disk.
func DecodeRecord(data []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if record.Schema != "" && record.Schema != SchemaName {
		return Record{}, fmt.Errorf("%w: unknown schema %q", ErrDecode, record.Schema)
	}
	if record.DocumentID == "" {
		return Record{}, fmt.Errorf("%w: missing document id", ErrDecode)
	}
	if record.ChangeLog == nil {
		record.ChangeLog = []ChangeEntry{}
	}
	if record.StateSnapshot == nil {
		record.StateSnapshot = StateBytes{}
	}
	return record, nil
}
