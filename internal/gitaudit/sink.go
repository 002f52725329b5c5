package gitaudit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tandemlabs/tandem-sync/internal/track"
)

const trackFileExtension = ".track"

// RecordSink mirrors persisted document records into the attribution
// store as <documentId>.track commits. It satisfies the session manager's
// audit-sink contract; failures are the caller's to log, never to retry.
type RecordSink struct {
	store      Store
	authorName string
	logger     *zap.Logger
}

// NewRecordSink returns a RecordSink committing under the given author
// name.
func NewRecordSink(store Store, authorName string, logger *zap.Logger) *RecordSink {
	if authorName == "" {
		authorName = "tandem-sync"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordSink{store: store, authorName: authorName, logger: logger}
}

// DocumentStored commits the full encoded record. The commit message
// names the document so history browsing stays legible without opening
// payloads.
func (s *RecordSink) DocumentStored(ctx context.Context, record track.Record) error {
	payload, err := track.EncodeRecord(record)
	if err != nil {
		return err
	}
	path := record.DocumentID + trackFileExtension
	message := fmt.Sprintf("Stored %s (%d changes)", record.DocumentID, len(record.ChangeLog))
	commit, err := s.store.CommitFile(ctx, path, string(payload), string(track.AuthorKindAI), s.authorName, message)
	if err != nil {
		return err
	}
	s.logger.Debug("record mirrored to attribution store",
		zap.String("document_id", record.DocumentID),
		zap.String("sha", commit.SHA))
	return nil
}
