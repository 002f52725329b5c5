package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// SchemaVersion identifies the durable record layout version.
	SchemaVersion = "1.0"
	// SchemaName tags durable records written by this module.
	SchemaName = "tandem-track-v1"
)

const (
	maxIdentifierLength = 190
	fillerRune          = '_'
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("track: invalid document id")
	// ErrInvalidTimestamp indicates that a unix millisecond timestamp is not positive.
	ErrInvalidTimestamp = errors.New("track: invalid unix timestamp")
	// ErrDecode indicates that a durable record payload is corrupt or carries an unknown schema.
	ErrDecode = errors.New("track: record decode failed")
	// ErrNotFound indicates that no durable record exists for a document identifier.
	ErrNotFound = errors.New("track: record not found")
	// ErrExists indicates that a durable record row is already present for a document identifier.
	ErrExists = errors.New("track: record already exists")
)

// SanitizeDocumentID maps an arbitrary human title onto the storage key
// character set. Every rune outside [A-Za-z0-9-_] is replaced with an
// underscore. The mapping is idempotent: sanitizing a sanitized value
// returns it unchanged.
func SanitizeDocumentID(raw string) string {
	var builder strings.Builder
	builder.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune(fillerRune)
		}
	}
	return builder.String()
}

// DocumentID represents a validated, sanitized document identifier. It is
// the storage key for the document's durable record, so every subsystem
// that addresses storage must construct it through NewDocumentID.
type DocumentID string

// NewDocumentID validates raw input, sanitizes it and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(SanitizeDocumentID(trimmed)), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UnixMillis represents a validated unix timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// Int64 exposes the raw unix millisecond value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Time converts the timestamp to a UTC time.Time.
func (ts UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}

// AuthorKind distinguishes human and AI writers in change attribution.
type AuthorKind string

const (
	// AuthorKindHuman marks an edit made by a person.
	AuthorKindHuman AuthorKind = "human"
	// AuthorKindAI marks an edit made by an agent.
	AuthorKindAI AuthorKind = "ai"
)

// ChangeEntry is an attributed edit descriptor. Entries are immutable once
// appended to a record's change log; the delta payload is opaque to this
// module.
type ChangeEntry struct {
	ID         string          `json:"id,omitempty"`
	Author     string          `json:"author,omitempty"`
	AuthorKind AuthorKind      `json:"authorKind,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
}

// StateBytes carries an opaque merge-state snapshot. On the wire it is a
// plain JSON number array rather than a base64 string, matching the
// tandem-track-v1 record format.
type StateBytes []byte

// MarshalJSON encodes the bytes as a JSON number array.
func (s StateBytes) MarshalJSON() ([]byte, error) {
	numbers := make([]uint16, len(s))
	for i, b := range s {
		numbers[i] = uint16(b)
	}
	return json.Marshal(numbers)
}

// UnmarshalJSON decodes a JSON number array into bytes.
func (s *StateBytes) UnmarshalJSON(data []byte) error {
	var numbers []int
	if err := json.Unmarshal(data, &numbers); err != nil {
		return fmt.Errorf("%w: state snapshot is not a number array", ErrDecode)
	}
	decoded := make([]byte, len(numbers))
	for i, n := range numbers {
		if n < 0 || n > 255 {
			return fmt.Errorf("%w: state snapshot value %d out of byte range", ErrDecode, n)
		}
		decoded[i] = byte(n)
	}
	*s = decoded
	return nil
}

// Record is the durable document record: a full merge-state snapshot plus
// the append-only change log and document metadata. Exactly one record
// exists per document identifier.
type Record struct {
	SchemaVersion string        `json:"schemaVersion"`
	Schema        string        `json:"schema"`
	DocumentID    string        `json:"documentId"`
	Title         string        `json:"title,omitempty"`
	CreatedAt     string        `json:"createdAt,omitempty"`
	UpdatedAt     string        `json:"updatedAt"`
	ChangeLog     []ChangeEntry `json:"changeLog"`
	StateSnapshot StateBytes    `json:"stateSnapshot"`
}

// NewRecord returns an empty record for the provided document identifier.
func NewRecord(id DocumentID, now time.Time) Record {
	stamp := FormatTime(now)
	return Record{
		SchemaVersion: SchemaVersion,
		Schema:        SchemaName,
		DocumentID:    id.String(),
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
		ChangeLog:     []ChangeEntry{},
		StateSnapshot: StateBytes{},
	}
}

// CreatedAtOrFallback returns the record creation time, falling back to the
// update time for legacy records that never carried createdAt.
func (r Record) CreatedAtOrFallback() string {
	if r.CreatedAt != "" {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// TitleOrFallback returns the record title, falling back to the document
// identifier for legacy records that never carried a title.
func (r Record) TitleOrFallback() string {
	if r.Title != "" {
		return r.Title
	}
	return r.DocumentID
}

// FormatTime renders a timestamp in the record's RFC3339 UTC form.
func FormatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a record timestamp, returning the zero time for empty or
// malformed input rather than failing the caller.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
