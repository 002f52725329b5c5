package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem-sync/internal/track"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *track.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:registry_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&track.RecordRow{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := track.NewStore(track.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	service, err := NewService(ServiceConfig{Store: store, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, store, db
}

func fixedClock(unixSeconds int64) func() time.Time {
	return func() time.Time { return time.Unix(unixSeconds, 0).UTC() }
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestCreateDerivesIDFromSanitizedTitle(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))

	projection, err := service.Create(context.Background(), "  My Meeting Notes  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projection.ID != "My_Meeting_Notes" {
		t.Fatalf("expected sanitized id, got %q", projection.ID)
	}
	if projection.Title != "My Meeting Notes" {
		t.Fatalf("expected trimmed original title, got %q", projection.Title)
	}
	if projection.ChangesCount != 0 {
		t.Fatalf("expected empty change log, got %d", projection.ChangesCount)
	}
	if projection.CreatedAt != projection.UpdatedAt {
		t.Fatalf("expected createdAt to equal updatedAt on a fresh record")
	}
}

func TestCreateWithoutTitleGeneratesUntitledToken(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))

	projection, err := service.Create(context.Background(), "   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := fmt.Sprintf("untitled-%d", int64(1700000000)*1000)
	if projection.ID != expected {
		t.Fatalf("expected %q, got %q", expected, projection.ID)
	}
	if projection.Title != projection.ID {
		t.Fatalf("expected title fallback to id, got %q", projection.Title)
	}
}

func TestCreateConflictsOnExistingID(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))

	if _, err := service.Create(context.Background(), "Shared Title"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Different raw titles can sanitize to the same id.
	if _, err := service.Create(context.Background(), "Shared.Title"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateRejectsOversizedTitle(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))
	if _, err := service.Create(context.Background(), strings.Repeat("a", 300)); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
}

func TestGetProjectsLegacyFallbacks(t *testing.T) {
	service, store, _ := newTestService(t, fixedClock(1700000000))

	id, err := track.NewDocumentID("legacy-doc")
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	record := track.Record{
		DocumentID: id.String(),
		UpdatedAt:  track.FormatTime(time.Unix(1690000000, 0).UTC()),
		ChangeLog:  []track.ChangeEntry{{ID: "c-1"}},
	}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	projection, err := service.Get(context.Background(), "legacy-doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projection.Title != "legacy-doc" {
		t.Fatalf("expected title fallback to id, got %q", projection.Title)
	}
	if projection.CreatedAt != projection.UpdatedAt {
		t.Fatalf("expected createdAt fallback to updatedAt")
	}
	if projection.ChangesCount != 1 {
		t.Fatalf("expected 1 change, got %d", projection.ChangesCount)
	}

	// The fallback is applied at projection time only; the stored record
	// still carries no title.
	stored, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if stored.Title != "" {
		t.Fatalf("projection must not rewrite the stored record")
	}
}

func TestGetMissingDocumentReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))
	if _, err := service.Get(context.Background(), "absent"); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := service.Get(context.Background(), "   "); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for invalid id, got %v", err)
	}
}

func TestGetCorruptRecordReportsNotFound(t *testing.T) {
	service, _, db := newTestService(t, fixedClock(1700000000))

	row := track.RecordRow{DocumentID: "corrupt", UpdatedAtMillis: 1700000000000, RecordJSON: "{bad"}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed corrupt row: %v", err)
	}
	if _, err := service.Get(context.Background(), "corrupt"); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for undecodable record, got %v", err)
	}
}

func TestRenamePreservesContent(t *testing.T) {
	service, store, _ := newTestService(t, fixedClock(1700000000))

	created, err := service.Create(context.Background(), "Original")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := track.NewDocumentID(created.ID)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	record, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	record.ChangeLog = []track.ChangeEntry{{ID: "c-1", Author: "alice"}}
	record.StateSnapshot = track.StateBytes{1, 2, 3}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	renamed, err := service.Rename(context.Background(), created.ID, "  Renamed  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renamed.Title != "Renamed" {
		t.Fatalf("expected trimmed new title, got %q", renamed.Title)
	}
	if renamed.ID != created.ID {
		t.Fatalf("rename must not change the document id")
	}
	if renamed.ChangesCount != 1 {
		t.Fatalf("rename must preserve the change log, got %d entries", renamed.ChangesCount)
	}

	stored, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if string(stored.StateSnapshot) != string([]byte{1, 2, 3}) {
		t.Fatalf("rename must preserve the state snapshot")
	}
}

func TestRenameRejectsEmptyTitle(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))
	if _, err := service.Rename(context.Background(), "doc-1", "   "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
}

func TestRenameMissingDocumentReturnsNotFound(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))
	if _, err := service.Rename(context.Background(), "absent", "New Title"); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyContentUpdateAppendsChangeEntry(t *testing.T) {
	service, store, _ := newTestService(t, fixedClock(1700000000))

	created, err := service.Create(context.Background(), "Notes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	projection, err := service.ApplyContentUpdate(context.Background(), created.ID, "offline draft", "", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projection.ChangesCount != 1 {
		t.Fatalf("expected 1 change entry, got %d", projection.ChangesCount)
	}
	if projection.Title != "Notes" {
		t.Fatalf("empty title must not overwrite the stored one, got %q", projection.Title)
	}

	id, err := track.NewDocumentID(created.ID)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	stored, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	entry := stored.ChangeLog[0]
	if entry.Author != "alice" || entry.AuthorKind != track.AuthorKindHuman {
		t.Fatalf("unexpected attribution: %+v", entry)
	}
	if entry.ID == "" || entry.Timestamp == 0 {
		t.Fatalf("expected generated id and timestamp: %+v", entry)
	}
	if string(entry.Delta) != `{"content":"offline draft"}` {
		t.Fatalf("unexpected delta: %s", entry.Delta)
	}
}

func TestApplyContentUpdateCreatesMissingRecord(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))

	projection, err := service.ApplyContentUpdate(context.Background(), "drafted-offline", "content", "Offline Draft", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projection.ID != "drafted-offline" {
		t.Fatalf("unexpected id: %q", projection.ID)
	}
	if projection.Title != "Offline Draft" {
		t.Fatalf("unexpected title: %q", projection.Title)
	}
	if projection.ChangesCount != 1 {
		t.Fatalf("expected 1 change entry, got %d", projection.ChangesCount)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	service, _, _ := newTestService(t, fixedClock(1700000000))

	created, err := service.Create(context.Background(), "Doomed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := service.Get(context.Background(), created.ID); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := service.Delete(context.Background(), created.ID); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	service, store, _ := newTestService(t, fixedClock(1700000000))

	olderID, _ := track.NewDocumentID("older")
	newerID, _ := track.NewDocumentID("newer")
	if err := store.Save(context.Background(), track.NewRecord(olderID, time.Unix(1690000000, 0).UTC())); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.Save(context.Background(), track.NewRecord(newerID, time.Unix(1695000000, 0).UTC())); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	projections, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(projections) != 2 {
		t.Fatalf("expected 2 projections, got %d", len(projections))
	}
	if projections[0].ID != "newer" || projections[1].ID != "older" {
		t.Fatalf("unexpected ordering: %s then %s", projections[0].ID, projections[1].ID)
	}
}
