// Package session hosts the live merge replicas for open documents: one
// replica per attached document id, fed by every attached client, flushed
// to durable storage on a debounce and on last detach.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemlabs/tandem-sync/internal/track"
)

const (
	opManagerNew      = "session.manager.new"
	opAttach          = "session.attach"
	opLoadDocument    = "session.load_document"
	opStoreDocument   = "session.store_document"
	opAuditDocument   = "session.audit_document"
	fieldDocumentID   = "document_id"
	defaultDebounce   = 2 * time.Second
	auditSinkTimeout  = 5 * time.Second
	reasonLoadFailed  = "load_failed"
	reasonStoreFailed = "store_failed"
	reasonStateFailed = "state_decode_failed"
	reasonAuditFailed = "audit_failed"
)

var (
	errMissingStore = errors.New("record store is required")
	noOpLogger      = zap.NewNop()
)

// IDProvider issues identifiers for newly appended change entries.
type IDProvider interface {
	NewID() (string, error)
}

// AuditSink receives a copy of every successfully persisted record. The
// manager never blocks on it and never propagates its failures.
type AuditSink interface {
	DocumentStored(ctx context.Context, record track.Record) error
}

// ManagerConfig describes the dependencies required to build a Manager.
type ManagerConfig struct {
	Store         *track.Store
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	StoreDebounce time.Duration
	Audit         AuditSink
}

// Manager owns the map of live sessions. It is created once per process
// and passed by reference to request handlers; sessions are created on
// first attach and destroyed on last detach.
type Manager struct {
	store      *track.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	debounce   time.Duration
	audit      AuditSink

	mu       sync.Mutex
	sessions map[track.DocumentID]*liveSession
	loadOnce map[track.DocumentID]*sync.Once
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingStore)
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
	debounce := cfg.StoreDebounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Manager{
		store:      cfg.Store,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		debounce:   debounce,
		audit:      cfg.Audit,
		sessions:   make(map[track.DocumentID]*liveSession),
		loadOnce:   make(map[track.DocumentID]*sync.Once),
	}, nil
}

// Attach admits a client onto the live session for a document, creating
// the session when none exists. Admission happens under the manager lock:
// a concurrent last detach either sees the new client and keeps the
// session, or finishes discarding before the lookup and a fresh session
// is created. The load protocol runs at most once per session and
// completes before Attach returns.
func (m *Manager) Attach(ctx context.Context, id track.DocumentID) (*Client, error) {
	if id == "" {
		return nil, track.ErrInvalidDocumentID
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		sess = newLiveSession(id)
		m.sessions[id] = sess
		m.loadOnce[id] = &sync.Once{}
	}
	once := m.loadOnce[id]
	client := sess.addClient()
	m.mu.Unlock()

	once.Do(func() {
		m.loadSession(ctx, sess)
	})

	client.session = sess
	return client, nil
}

// Detach removes a client from its session. The last detach flushes the
// session through the store protocol and discards it.
func (m *Manager) Detach(ctx context.Context, client *Client) {
	if client == nil || client.session == nil {
		return
	}
	sess := client.session

	m.mu.Lock()
	removed, remaining := sess.removeClient(client.id)
	last := removed && remaining == 0
	if last && m.sessions[sess.id] == sess {
		delete(m.sessions, sess.id)
		delete(m.loadOnce, sess.id)
	}
	m.mu.Unlock()

	if last {
		sess.cancelDebounce()
		m.storeSession(ctx, sess)
	}
}

// ApplyUpdate merges an opaque update fragment into the client's session.
// Merging cannot reject input; duplicates are absorbed. The fragment is
// rebroadcast to the other attached clients and a debounced store is
// scheduled.
func (m *Manager) ApplyUpdate(client *Client, update []byte) bool {
	if client == nil || client.session == nil || len(update) == 0 {
		return false
	}
	sess := client.session
	merged := sess.state.Apply(update)
	sess.broadcast(client.id, Message{Kind: MessageKindUpdate, Payload: update})
	m.scheduleStore(sess)
	return merged
}

// AppendChange appends an attributed change entry to the session's log and
// rebroadcasts it. Entries receive an identifier and timestamp when the
// client supplied none; once appended they are immutable.
func (m *Manager) AppendChange(client *Client, entry track.ChangeEntry) track.ChangeEntry {
	if client == nil || client.session == nil {
		return entry
	}
	sess := client.session
	if entry.Timestamp == 0 {
		entry.Timestamp = m.clock().UTC().UnixMilli()
	}
	if entry.ID == "" {
		generated, err := m.idProvider.NewID()
		if err != nil {
			// The store dedupe drops entries without identifiers, so a
			// provider failure falls back to a deterministic id.
			generated = fmt.Sprintf("%s-%d", sess.id.String(), entry.Timestamp)
		}
		entry.ID = generated
	}
	sess.appendChange(entry)

	if payload, err := track.EncodeChangeEntry(entry); err == nil {
		sess.broadcast(client.id, Message{Kind: MessageKindChange, Payload: payload})
	}
	m.scheduleStore(sess)
	return entry
}

// Snapshot encodes the full current state of a live session. The second
// return reports whether a live session exists for the id.
func (m *Manager) Snapshot(id track.DocumentID) ([]byte, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.state.Snapshot(), true
}

// ChangeLog returns a copy of a live session's change log.
func (m *Manager) ChangeLog(id track.DocumentID) ([]track.ChangeEntry, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.changeLogCopy(), true
}

// AttachedClients reports the number of clients attached to a document.
func (m *Manager) AttachedClients(id track.DocumentID) int {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return sess.clientCount()
}

// Shutdown flushes every live session. Sessions remain attached; this is
// the process-exit path, not a detach.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancelDebounce()
		m.storeSession(ctx, sess)
	}
}

func (m *Manager) scheduleStore(sess *liveSession) {
	sess.resetDebounce(m.debounce, func() {
		m.storeSession(context.Background(), sess)
	})
}

// loadSession runs the load protocol: fetch the durable record for the
// session's storage key, merge its snapshot into the fresh empty state and
// seed the change-log container if it is still empty. Every failure mode
// degrades to "no existing document"; load never raises to the attaching
// client.
func (m *Manager) loadSession(ctx context.Context, sess *liveSession) {
	record, err := m.store.Load(ctx, sess.id)
	if err != nil {
		if !errors.Is(err, track.ErrNotFound) {
			m.logError(opLoadDocument, reasonLoadFailed, err, zap.String(fieldDocumentID, sess.id.String()))
		}
		return
	}

	if len(record.StateSnapshot) > 0 {
		if applyErr := sess.state.ApplySnapshot([]byte(record.StateSnapshot)); applyErr != nil {
			m.logError(opLoadDocument, reasonStateFailed, applyErr, zap.String(fieldDocumentID, sess.id.String()))
		}
	}
	if len(record.ChangeLog) > 0 {
		sess.seedChangeLog(record.ChangeLog)
	}
}

// storeSession runs the store protocol. Stores for the same document are
// serialized on the session's store mutex: a newer request waits for the
// in-flight one instead of interleaving partial writes. The snapshot is a
// full encode, so a duplicated store is safe to retry; metadata is
// read-merge-written so a racing registry rename is never dropped.
func (m *Manager) storeSession(ctx context.Context, sess *liveSession) {
	sess.storeMu.Lock()
	defer sess.storeMu.Unlock()

	entries := sess.changeLogCopy()
	snapshot := sess.state.Snapshot()
	now := m.clock().UTC()

	record := track.Record{
		SchemaVersion: track.SchemaVersion,
		Schema:        track.SchemaName,
		DocumentID:    sess.id.String(),
		UpdatedAt:     track.FormatTime(now),
		StateSnapshot: track.StateBytes(snapshot),
	}

	var persisted []track.ChangeEntry
	existing, loadErr := m.store.Load(ctx, sess.id)
	switch {
	case loadErr == nil:
		record.Title = existing.Title
		record.CreatedAt = existing.CreatedAt
		persisted = existing.ChangeLog
	case errors.Is(loadErr, track.ErrNotFound), errors.Is(loadErr, track.ErrDecode):
		// First store, or a corrupt prior record: start metadata fresh.
	default:
		m.logError(opStoreDocument, reasonLoadFailed, loadErr, zap.String(fieldDocumentID, sess.id.String()))
	}

	if record.Title == "" {
		record.Title = sess.id.String()
	}
	if record.CreatedAt == "" {
		record.CreatedAt = track.FormatTime(now)
	}

	record.ChangeLog = mergeChangeLogs(persisted, entries)

	if saveErr := m.store.Save(ctx, record); saveErr != nil {
		m.logError(opStoreDocument, reasonStoreFailed, saveErr, zap.String(fieldDocumentID, sess.id.String()))
		return
	}

	if m.audit != nil {
		go m.auditStore(record)
	}
}

func (m *Manager) auditStore(record track.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), auditSinkTimeout)
	defer cancel()
	if err := m.audit.DocumentStored(ctx, record); err != nil {
		m.logError(opAuditDocument, reasonAuditFailed, err, zap.String(fieldDocumentID, record.DocumentID))
	}
}

// mergeChangeLogs appends to the persisted log only the session entries
// not already present in it. Persisted entries are never reordered or
// rewritten. Session entries without identifiers can only have entered the
// container through seeding, so they are already part of the persisted
// prefix and are skipped.
func mergeChangeLogs(persisted, sessionEntries []track.ChangeEntry) []track.ChangeEntry {
	known := make(map[string]bool, len(persisted))
	for _, entry := range persisted {
		if entry.ID != "" {
			known[entry.ID] = true
		}
	}
	merged := make([]track.ChangeEntry, 0, len(persisted)+len(sessionEntries))
	merged = append(merged, persisted...)
	for _, entry := range sessionEntries {
		if entry.ID == "" || known[entry.ID] {
			continue
		}
		known[entry.ID] = true
		merged = append(merged, entry)
	}
	return merged
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("session manager error", attrs...)
}
