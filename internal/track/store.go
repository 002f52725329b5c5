package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew     = "track.store.new"
	opLoadRecord   = "track.load_record"
	opSaveRecord   = "track.save_record"
	opInsertRecord = "track.insert_record"
	opDeleteRecord = "track.delete_record"
	opListRecords  = "track.list_records"

	fieldDocumentID = "document_id"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a coded storage failure.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RecordRow is the persisted shape of a durable document record: one row
// per document id holding the serialized tandem-track-v1 payload.
type RecordRow struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_track_records_updated"`
	RecordJSON      string `gorm:"column:record_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordRow) TableName() string {
	return "track_records"
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists durable document records. It is the single storage
// authority for both live-session stores and registry metadata writes, so
// both paths observe the same rows and the same monotonic updatedAt rule.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load fetches and decodes the durable record for a document id. A missing
// row yields ErrNotFound; a corrupt payload yields ErrDecode.
func (s *Store) Load(ctx context.Context, id DocumentID) (Record, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id.String())
	}
	if err != nil {
		s.logError(opLoadRecord, reasonQueryFailed, err, zap.String(fieldDocumentID, id.String()))
		return Record{}, newStoreError(opLoadRecord, reasonQueryFailed, err)
	}
	record, decodeErr := DecodeRecord([]byte(row.RecordJSON))
	if decodeErr != nil {
		s.logError(opLoadRecord, reasonDecodeFailed, decodeErr, zap.String(fieldDocumentID, id.String()))
		return Record{}, decodeErr
	}
	return record, nil
}

// Save upserts the record row for its document id. The stored updatedAt is
// clamped to be monotonically non-decreasing: if an existing row carries a
// later stamp, the incoming record inherits it before encoding.
func (s *Store) Save(ctx context.Context, record Record) error {
	id, err := NewDocumentID(record.DocumentID)
	if err != nil {
		s.logError(opSaveRecord, reasonEncodeFailed, err)
		return newStoreError(opSaveRecord, reasonEncodeFailed, err)
	}
	record.DocumentID = id.String()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RecordRow
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ?", record.DocumentID).
			Take(&existing).Error
		if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			s.logError(opSaveRecord, reasonQueryFailed, lookupErr, zap.String(fieldDocumentID, record.DocumentID))
			return newStoreError(opSaveRecord, reasonQueryFailed, lookupErr)
		}

		updatedAt := ParseTime(record.UpdatedAt)
		if updatedAt.IsZero() {
			updatedAt = s.clock().UTC()
		}
		if lookupErr == nil {
			// Millisecond granularity: the clamp must not regress within
			// the same second when saves race.
			existingAt := time.UnixMilli(existing.UpdatedAtMillis).UTC()
			if updatedAt.Before(existingAt) {
				updatedAt = existingAt
			}
		}
		record.UpdatedAt = FormatTime(updatedAt)

		payload, encodeErr := EncodeRecord(record)
		if encodeErr != nil {
			s.logError(opSaveRecord, reasonEncodeFailed, encodeErr, zap.String(fieldDocumentID, record.DocumentID))
			return newStoreError(opSaveRecord, reasonEncodeFailed, encodeErr)
		}

		row := RecordRow{
			DocumentID:      record.DocumentID,
			UpdatedAtMillis: updatedAt.UnixMilli(),
			RecordJSON:      string(payload),
		}
		if upsertErr := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			UpdateAll: true,
		}).Create(&row).Error; upsertErr != nil {
			s.logError(opSaveRecord, reasonUpsertFailed, upsertErr, zap.String(fieldDocumentID, record.DocumentID))
			return newStoreError(opSaveRecord, reasonUpsertFailed, upsertErr)
		}
		return nil
	})
}

// Insert creates the record row only when none exists for its document id.
// A row already present yields ErrExists and is left untouched, so the
// existence check and the write are a single statement rather than a
// check-then-save window two concurrent creates can both pass through.
func (s *Store) Insert(ctx context.Context, record Record) error {
	id, err := NewDocumentID(record.DocumentID)
	if err != nil {
		s.logError(opInsertRecord, reasonEncodeFailed, err)
		return newStoreError(opInsertRecord, reasonEncodeFailed, err)
	}
	record.DocumentID = id.String()

	updatedAt := ParseTime(record.UpdatedAt)
	if updatedAt.IsZero() {
		updatedAt = s.clock().UTC()
	}
	record.UpdatedAt = FormatTime(updatedAt)

	payload, encodeErr := EncodeRecord(record)
	if encodeErr != nil {
		s.logError(opInsertRecord, reasonEncodeFailed, encodeErr, zap.String(fieldDocumentID, record.DocumentID))
		return newStoreError(opInsertRecord, reasonEncodeFailed, encodeErr)
	}

	row := RecordRow{
		DocumentID:      record.DocumentID,
		UpdatedAtMillis: updatedAt.UnixMilli(),
		RecordJSON:      string(payload),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		s.logError(opInsertRecord, reasonUpsertFailed, result.Error, zap.String(fieldDocumentID, record.DocumentID))
		return newStoreError(opInsertRecord, reasonUpsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrExists, record.DocumentID)
	}
	return nil
}

// Delete removes the durable record row for a document id.
func (s *Store) Delete(ctx context.Context, id DocumentID) error {
	result := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Delete(&RecordRow{})
	if result.Error != nil {
		s.logError(opDeleteRecord, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, id.String()))
		return newStoreError(opDeleteRecord, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id.String())
	}
	return nil
}

// List decodes every durable record, newest first. A single malformed row
// is skipped and logged rather than aborting the whole listing.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var rows []RecordRow
	if err := s.db.WithContext(ctx).
		Order("updated_at_ms DESC").
		Find(&rows).Error; err != nil {
		s.logError(opListRecords, reasonQueryFailed, err)
		return nil, newStoreError(opListRecords, reasonQueryFailed, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := DecodeRecord([]byte(row.RecordJSON))
		if err != nil {
			s.logError(opListRecords, reasonDecodeFailed, err, zap.String(fieldDocumentID, row.DocumentID))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("track store error", attrs...)
}
