package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opMirrorNew      = "offline.mirror.new"
	opSaveDocument   = "offline.save_document"
	opGetDocument    = "offline.get_document"
	opListDocuments  = "offline.list_documents"
	opDeleteDocument = "offline.delete_document"
	opEnqueueChange  = "offline.enqueue_change"
	opPendingChanges = "offline.pending_changes"
	opClearChange    = "offline.clear_change"

	fieldDocumentID = "document_id"
	fieldChangeID   = "change_id"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonDecodeFailed    = "decode_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// MirrorConfig describes the dependencies required to build a Mirror.
type MirrorConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Mirror is the durable local cache: document snapshots with upsert
// semantics plus the pending-change queue.
type Mirror struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewMirror validates the configuration and returns a Mirror.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s.%s: %w", opMirrorNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Mirror{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveDocument upserts a mirror entry. Last write wins.
func (m *Mirror) SaveDocument(ctx context.Context, entry MirrorEntry) error {
	row := MirrorRow{
		DocumentID:      entry.DocumentID,
		Title:           entry.Title,
		Content:         entry.Content,
		UpdatedAtMillis: entry.UpdatedAtMillis,
	}
	if err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		m.logError(opSaveDocument, reasonUpsertFailed, err, zap.String(fieldDocumentID, entry.DocumentID))
		return err
	}
	return nil
}

// GetDocument fetches the mirror entry for a document id.
func (m *Mirror) GetDocument(ctx context.Context, documentID string) (MirrorEntry, error) {
	var row MirrorRow
	err := m.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MirrorEntry{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		m.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID))
		return MirrorEntry{}, err
	}
	return MirrorEntry{
		DocumentID:      row.DocumentID,
		Title:           row.Title,
		Content:         row.Content,
		UpdatedAtMillis: row.UpdatedAtMillis,
	}, nil
}

// AllDocuments returns every mirror entry, most recently updated first.
func (m *Mirror) AllDocuments(ctx context.Context) ([]MirrorEntry, error) {
	var rows []MirrorRow
	if err := m.db.WithContext(ctx).
		Order("updated_at_ms DESC").
		Find(&rows).Error; err != nil {
		m.logError(opListDocuments, reasonQueryFailed, err)
		return nil, err
	}
	entries := make([]MirrorEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, MirrorEntry{
			DocumentID:      row.DocumentID,
			Title:           row.Title,
			Content:         row.Content,
			UpdatedAtMillis: row.UpdatedAtMillis,
		})
	}
	return entries, nil
}

// DeleteDocument removes the mirror entry for a document id.
func (m *Mirror) DeleteDocument(ctx context.Context, documentID string) error {
	result := m.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&MirrorRow{})
	if result.Error != nil {
		m.logError(opDeleteDocument, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID))
		return result.Error
	}
	return nil
}

// EnqueueChange puts a pending change into the queue under its composite
// key. Re-enqueueing the same document+timestamp replaces the entry
// instead of duplicating it.
func (m *Mirror) EnqueueChange(ctx context.Context, documentID string, kind ChangeKind, payload json.RawMessage, timestampMillis int64) (PendingChange, error) {
	change := PendingChange{
		ChangeID:        CompositeChangeID(documentID, timestampMillis),
		DocumentID:      documentID,
		Kind:            kind,
		Payload:         payload,
		TimestampMillis: timestampMillis,
	}
	row := PendingChangeRow{
		ChangeID:        change.ChangeID,
		DocumentID:      change.DocumentID,
		Kind:            string(change.Kind),
		PayloadJSON:     string(payload),
		TimestampMillis: change.TimestampMillis,
	}
	if err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "change_id"}},
		UpdateAll: true,
	}).Create(&row).Error; err != nil {
		m.logError(opEnqueueChange, reasonUpsertFailed, err, zap.String(fieldChangeID, change.ChangeID))
		return PendingChange{}, err
	}
	return change, nil
}

// PendingChanges returns the queue in ascending timestamp order, the
// replay order that preserves this client's own causal order.
func (m *Mirror) PendingChanges(ctx context.Context) ([]PendingChange, error) {
	var rows []PendingChangeRow
	if err := m.db.WithContext(ctx).
		Order("timestamp_ms ASC, change_id ASC").
		Find(&rows).Error; err != nil {
		m.logError(opPendingChanges, reasonQueryFailed, err)
		return nil, err
	}
	changes := make([]PendingChange, 0, len(rows))
	for _, row := range rows {
		kind, err := ParseChangeKind(row.Kind)
		if err != nil {
			m.logError(opPendingChanges, reasonDecodeFailed, err, zap.String(fieldChangeID, row.ChangeID))
			continue
		}
		changes = append(changes, PendingChange{
			ChangeID:        row.ChangeID,
			DocumentID:      row.DocumentID,
			Kind:            kind,
			Payload:         json.RawMessage(row.PayloadJSON),
			TimestampMillis: row.TimestampMillis,
		})
	}
	return changes, nil
}

// ClearPendingChange removes one replayed entry from the queue.
func (m *Mirror) ClearPendingChange(ctx context.Context, changeID string) error {
	if err := m.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Delete(&PendingChangeRow{}).Error; err != nil {
		m.logError(opClearChange, reasonDeleteFailed, err, zap.String(fieldChangeID, changeID))
		return err
	}
	return nil
}

// ClearAllPendingChanges empties the queue.
func (m *Mirror) ClearAllPendingChanges(ctx context.Context) error {
	if err := m.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&PendingChangeRow{}).Error; err != nil {
		m.logError(opClearChange, reasonDeleteFailed, err)
		return err
	}
	return nil
}

// PendingChangeCount reports the number of queued changes.
func (m *Mirror) PendingChangeCount(ctx context.Context) (int64, error) {
	var count int64
	if err := m.db.WithContext(ctx).
		Model(&PendingChangeRow{}).
		Count(&count).Error; err != nil {
		m.logError(opPendingChanges, reasonQueryFailed, err)
		return 0, err
	}
	return count, nil
}

// HasPendingChanges reports whether any changes await replay.
func (m *Mirror) HasPendingChanges(ctx context.Context) (bool, error) {
	count, err := m.PendingChangeCount(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *Mirror) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("offline mirror error", attrs...)
}
