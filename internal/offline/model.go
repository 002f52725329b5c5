// Package offline is the client-side core: a durable local mirror of
// document snapshots for offline continuity, a pending-change queue for
// edits made while disconnected, and the coordinator that autosaves and
// replays the queue once the server is reachable again.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound indicates that no mirror entry exists for a document id.
	ErrNotFound = errors.New("offline: document not found")
	// ErrInvalidChangeKind indicates an unknown pending-change kind.
	ErrInvalidChangeKind = errors.New("offline: invalid change kind")
	// ErrNetwork indicates that a push failed because the server was
	// unreachable or rejected the request. Queued entries stay queued.
	ErrNetwork = errors.New("offline: network request failed")
)

// ChangeKind enumerates the operations a pending change can carry.
type ChangeKind string

const (
	// ChangeKindCreate queues a document creation.
	ChangeKindCreate ChangeKind = "create"
	// ChangeKindUpdate queues a content update.
	ChangeKindUpdate ChangeKind = "update"
	// ChangeKindDelete queues a document deletion.
	ChangeKindDelete ChangeKind = "delete"
)

// ParseChangeKind validates raw input and returns a ChangeKind.
func ParseChangeKind(rawInput string) (ChangeKind, error) {
	switch ChangeKind(strings.TrimSpace(rawInput)) {
	case ChangeKindCreate:
		return ChangeKindCreate, nil
	case ChangeKindUpdate:
		return ChangeKindUpdate, nil
	case ChangeKindDelete:
		return ChangeKindDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, rawInput)
	}
}

// CompositeChangeID builds the pending-change key. Keying on document id
// plus timestamp gives natural per-document ordering and makes enqueueing
// the same change twice at the same timestamp an upsert, not a duplicate.
func CompositeChangeID(documentID string, timestampMillis int64) string {
	return documentID + "-" + strconv.FormatInt(timestampMillis, 10)
}

// MirrorEntry is the last-known snapshot of a document kept locally for
// offline continuity. Last write wins: the mirror is a single-writer
// cache, never a merge target.
type MirrorEntry struct {
	DocumentID      string
	Title           string
	Content         string
	UpdatedAtMillis int64
}

// PendingChange is one queued offline edit awaiting replay.
type PendingChange struct {
	ChangeID        string
	DocumentID      string
	Kind            ChangeKind
	Payload         json.RawMessage
	TimestampMillis int64
}

// UpdatePayload is the payload carried by create and update changes.
type UpdatePayload struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// MirrorRow is the persisted shape of a mirror entry.
type MirrorRow struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;type:text;not null;default:''"`
	Content         string `gorm:"column:content;type:text;not null;default:''"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_offline_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (MirrorRow) TableName() string {
	return "offline_documents"
}

// PendingChangeRow is the persisted shape of a queued change, indexed by
// document and by timestamp to support ordered replay.
type PendingChangeRow struct {
	ChangeID        string `gorm:"column:change_id;primaryKey;size:250;not null"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;index:idx_pending_changes_document"`
	Kind            string `gorm:"column:kind;size:16;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_pending_changes_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (PendingChangeRow) TableName() string {
	return "pending_changes"
}
