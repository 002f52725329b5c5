// Package registry provides metadata CRUD over durable document records,
// usable whether or not a live session is attached to the document.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tandemlabs/tandem-sync/internal/track"
)

const (
	opServiceNew = "registry.service.new"
	opList          = "registry.list"
	opCreate        = "registry.create"
	opGet           = "registry.get"
	opRename        = "registry.rename"
	opUpdateContent = "registry.update_content"
	opDelete        = "registry.delete"

	fieldDocumentID = "document_id"

	reasonMissingStore = "missing_store"
	reasonListFailed   = "list_failed"
	reasonLoadFailed   = "load_failed"
	reasonSaveFailed   = "save_failed"
	reasonDeleteFailed = "delete_failed"

	untitledTokenPrefix = "untitled-"
	fallbackAuthor      = "anonymous"
)

var (
	// ErrConflict indicates that a durable record already exists for the id.
	ErrConflict = errors.New("registry: document already exists")
	// ErrInvalidTitle indicates an empty or oversized title.
	ErrInvalidTitle = errors.New("registry: invalid title")

	errMissingStore = errors.New("record store is required")
	noOpLogger      = zap.NewNop()
)

// Projection is the metadata view of a durable record returned by every
// registry operation. Legacy records missing title or createdAt project
// their fallbacks without the stored record being rewritten.
type Projection struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	ChangesCount int    `json:"changesCount"`
}

// ServiceConfig describes the dependencies required to build a Service.
type ServiceConfig struct {
	Store      *track.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service implements document-metadata CRUD over the shared record store.
type Service struct {
	store      *track.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s.%s: %w", opServiceNew, reasonMissingStore, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{store: cfg.Store, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// List enumerates every durable record as a projection, newest first.
// Malformed rows are skipped and logged by the store rather than aborting
// the listing.
func (s *Service) List(ctx context.Context) ([]Projection, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		s.logError(opList, reasonListFailed, err)
		return nil, err
	}
	projections := make([]Projection, 0, len(records))
	for _, record := range records {
		projections = append(projections, project(record))
	}
	return projections, nil
}

// Create derives a document id from the sanitized title, or generates a
// timestamp token when no title is given, and initializes an empty record.
// A record already present for the id yields ErrConflict.
func (s *Service) Create(ctx context.Context, title string) (Projection, error) {
	now := s.clock().UTC()
	trimmed := strings.TrimSpace(title)

	var id track.DocumentID
	var err error
	if trimmed == "" {
		id, err = track.NewDocumentID(fmt.Sprintf("%s%d", untitledTokenPrefix, now.UnixMilli()))
	} else {
		id, err = track.NewDocumentID(trimmed)
	}
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %v", ErrInvalidTitle, err)
	}

	record := track.NewRecord(id, now)
	record.Title = trimmed
	// Insert-only write: two concurrent creates of the same title cannot
	// both succeed, the loser surfaces the conflict.
	if err := s.store.Insert(ctx, record); err != nil {
		if errors.Is(err, track.ErrExists) {
			return Projection{}, fmt.Errorf("%w: %s", ErrConflict, id.String())
		}
		s.logError(opCreate, reasonSaveFailed, err, zap.String(fieldDocumentID, id.String()))
		return Projection{}, err
	}
	return project(record), nil
}

// Get fetches the projection for a document id.
func (s *Service) Get(ctx context.Context, rawID string) (Projection, error) {
	id, err := track.NewDocumentID(rawID)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %s", track.ErrNotFound, rawID)
	}
	record, err := s.store.Load(ctx, id)
	if err != nil {
		return Projection{}, s.asLookupFailure(opGet, id, err)
	}
	return project(record), nil
}

// Rename sets a new title on the record and bumps updatedAt. The write is
// read-modify-write over the full record, so a rename racing a live
// session store cannot drop the session's change log or snapshot.
func (s *Service) Rename(ctx context.Context, rawID, newTitle string) (Projection, error) {
	trimmed := strings.TrimSpace(newTitle)
	if trimmed == "" {
		return Projection{}, fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	id, err := track.NewDocumentID(rawID)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %s", track.ErrNotFound, rawID)
	}

	record, err := s.store.Load(ctx, id)
	if err != nil {
		return Projection{}, s.asLookupFailure(opRename, id, err)
	}

	record.Title = trimmed
	record.UpdatedAt = track.FormatTime(s.clock().UTC())
	if err := s.store.Save(ctx, record); err != nil {
		s.logError(opRename, reasonSaveFailed, err, zap.String(fieldDocumentID, id.String()))
		return Projection{}, err
	}
	return project(record), nil
}

// ApplyContentUpdate records a replayed offline edit against a document.
// The content is kept as an attributed change-log entry with the raw
// payload as its delta; a missing record is created so a replay targeting
// a document first edited offline still lands. The write is read-modify-
// write over the full record.
func (s *Service) ApplyContentUpdate(ctx context.Context, rawID, content, title, author string) (Projection, error) {
	id, err := track.NewDocumentID(rawID)
	if err != nil {
		return Projection{}, fmt.Errorf("%w: %s", track.ErrNotFound, rawID)
	}
	now := s.clock().UTC()

	record, err := s.store.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, track.ErrNotFound):
		record = track.NewRecord(id, now)
	default:
		return Projection{}, s.asLookupFailure(opUpdateContent, id, err)
	}

	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle != "" {
		record.Title = trimmedTitle
	}

	entry := track.ChangeEntry{
		Author:     strings.TrimSpace(author),
		AuthorKind: track.AuthorKindHuman,
		Timestamp:  now.UnixMilli(),
	}
	if entry.Author == "" {
		entry.Author = fallbackAuthor
	}
	generated, idErr := s.idProvider.NewID()
	if idErr != nil {
		generated = fmt.Sprintf("%s-%d", id.String(), entry.Timestamp)
	}
	entry.ID = generated
	if delta, marshalErr := json.Marshal(contentDelta{Content: content}); marshalErr == nil {
		entry.Delta = delta
	}
	record.ChangeLog = append(record.ChangeLog, entry)
	record.UpdatedAt = track.FormatTime(now)

	if err := s.store.Save(ctx, record); err != nil {
		s.logError(opUpdateContent, reasonSaveFailed, err, zap.String(fieldDocumentID, id.String()))
		return Projection{}, err
	}
	return project(record), nil
}

type contentDelta struct {
	Content string `json:"content"`
}

// Delete removes the durable record for a document id. Trash semantics
// live in an external collaborator; this is the hard-delete primitive.
func (s *Service) Delete(ctx context.Context, rawID string) error {
	id, err := track.NewDocumentID(rawID)
	if err != nil {
		return fmt.Errorf("%w: %s", track.ErrNotFound, rawID)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, track.ErrNotFound) {
			return err
		}
		s.logError(opDelete, reasonDeleteFailed, err, zap.String(fieldDocumentID, id.String()))
		return err
	}
	return nil
}

// asLookupFailure maps storage lookup outcomes for single-record reads. A
// record whose payload no longer decodes is reported as missing: the row
// exists but the document is unusable, and the caller contract only knows
// found or not found.
func (s *Service) asLookupFailure(operation string, id track.DocumentID, err error) error {
	if errors.Is(err, track.ErrNotFound) {
		return err
	}
	if errors.Is(err, track.ErrDecode) {
		s.logError(operation, reasonLoadFailed, err, zap.String(fieldDocumentID, id.String()))
		return fmt.Errorf("%w: %s", track.ErrNotFound, id.String())
	}
	s.logError(operation, reasonLoadFailed, err, zap.String(fieldDocumentID, id.String()))
	return err
}

func project(record track.Record) Projection {
	return Projection{
		ID:           record.DocumentID,
		Title:        record.TitleOrFallback(),
		CreatedAt:    record.CreatedAtOrFallback(),
		UpdatedAt:    record.UpdatedAt,
		ChangesCount: len(record.ChangeLog),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("registry service error", attrs...)
}
