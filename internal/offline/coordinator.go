package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opCoordinatorNew = "offline.coordinator.new"
	opSaveOffline    = "offline.save_offline"
	opSyncPending    = "offline.sync_pending"

	reasonMissingMirror = "missing_mirror"
	reasonMissingProbe  = "missing_probe"
	reasonMissingPusher = "missing_pusher"
	reasonSaveFailed    = "save_failed"
	reasonEnqueueFailed = "enqueue_failed"
	reasonPushFailed    = "push_failed"
	reasonClearFailed   = "clear_failed"

	defaultAutoSaveQuiet = 5 * time.Second
	defaultQueueSoftCap  = 1000
)

var (
	errMissingMirror = errors.New("mirror is required")
	errMissingProbe  = errors.New("connectivity probe is required")
	errMissingPusher = errors.New("pusher is required")
)

// ConnectivityProbe reports whether the server is currently reachable.
type ConnectivityProbe interface {
	Online() bool
}

// ProbeFunc adapts a plain function into a ConnectivityProbe.
type ProbeFunc func() bool

// Online reports the probe result.
func (f ProbeFunc) Online() bool {
	return f()
}

// Pusher delivers one pending change to the server during replay.
type Pusher interface {
	PushChange(ctx context.Context, change PendingChange) error
}

// SyncReport summarizes one replay pass over the pending queue.
type SyncReport struct {
	Replayed int
	Failed   int
}

// CoordinatorConfig describes the dependencies required to build a
// Coordinator.
type CoordinatorConfig struct {
	Mirror        *Mirror
	Probe         ConnectivityProbe
	Pusher        Pusher
	Clock         func() time.Time
	Logger        *zap.Logger
	AutoSaveQuiet time.Duration
	QueueSoftCap  int64
}

// Coordinator is the connectivity-aware scheduler for one editing
// session: it debounces autosaves into the mirror, buffers edits into the
// queue while disconnected, and drains the queue once reachable.
type Coordinator struct {
	mirror        *Mirror
	probe         ConnectivityProbe
	pusher        Pusher
	clock         func() time.Time
	logger        *zap.Logger
	autoSaveQuiet time.Duration
	queueSoftCap  int64

	timerMu  sync.Mutex
	autoSave *time.Timer
	closed   bool
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("%s.%s: %w", opCoordinatorNew, reasonMissingMirror, errMissingMirror)
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("%s.%s: %w", opCoordinatorNew, reasonMissingProbe, errMissingProbe)
	}
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("%s.%s: %w", opCoordinatorNew, reasonMissingPusher, errMissingPusher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	quiet := cfg.AutoSaveQuiet
	if quiet <= 0 {
		quiet = defaultAutoSaveQuiet
	}
	softCap := cfg.QueueSoftCap
	if softCap <= 0 {
		softCap = defaultQueueSoftCap
	}
	return &Coordinator{
		mirror:        cfg.Mirror,
		probe:         cfg.Probe,
		pusher:        cfg.Pusher,
		clock:         clock,
		logger:        logger,
		autoSaveQuiet: quiet,
		queueSoftCap:  softCap,
	}, nil
}

// SaveOffline upserts the mirror entry for a document and, while
// disconnected, also queues an update change with the same payload for
// replay on reconnect.
func (c *Coordinator) SaveOffline(ctx context.Context, documentID, content, title string) error {
	now := c.clock().UTC().UnixMilli()
	entry := MirrorEntry{
		DocumentID:      documentID,
		Title:           title,
		Content:         content,
		UpdatedAtMillis: now,
	}
	if err := c.mirror.SaveDocument(ctx, entry); err != nil {
		c.logError(opSaveOffline, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID))
		return err
	}

	if c.probe.Online() {
		return nil
	}

	payload, err := json.Marshal(UpdatePayload{Content: content, Title: title})
	if err != nil {
		c.logError(opSaveOffline, reasonEnqueueFailed, err, zap.String(fieldDocumentID, documentID))
		return err
	}
	if _, err := c.mirror.EnqueueChange(ctx, documentID, ChangeKindUpdate, payload, now); err != nil {
		c.logError(opSaveOffline, reasonEnqueueFailed, err, zap.String(fieldDocumentID, documentID))
		return err
	}

	if count, countErr := c.mirror.PendingChangeCount(ctx); countErr == nil && count > c.queueSoftCap {
		c.logger.Warn("pending-change queue above soft cap",
			zap.Int64("count", count),
			zap.Int64("soft_cap", c.queueSoftCap))
	}
	return nil
}

// ScheduleAutoSave coalesces rapid edits into a single save: every call
// resets the one timer for this editing session, so only the last edit
// within the quiet window is persisted and enqueued.
func (c *Coordinator) ScheduleAutoSave(documentID, content, title string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	if c.autoSave != nil {
		c.autoSave.Stop()
	}
	c.autoSave = time.AfterFunc(c.autoSaveQuiet, func() {
		if err := c.SaveOffline(context.Background(), documentID, content, title); err != nil {
			c.logError(opSaveOffline, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID))
		}
	})
}

// Close ends the editing session and cancels any scheduled autosave, so
// no stray save fires after teardown.
func (c *Coordinator) Close() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.closed = true
	if c.autoSave != nil {
		c.autoSave.Stop()
		c.autoSave = nil
	}
}

// SyncPendingChanges replays the queue against the server in ascending
// timestamp order. While offline it is a no-op. A failed entry is logged
// and left queued for the next trigger; it never blocks the rest of the
// batch.
func (c *Coordinator) SyncPendingChanges(ctx context.Context) (SyncReport, error) {
	if !c.probe.Online() {
		return SyncReport{}, nil
	}

	changes, err := c.mirror.PendingChanges(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	var report SyncReport
	for _, change := range changes {
		if pushErr := c.pusher.PushChange(ctx, change); pushErr != nil {
			c.logError(opSyncPending, reasonPushFailed, pushErr,
				zap.String(fieldChangeID, change.ChangeID),
				zap.String(fieldDocumentID, change.DocumentID))
			report.Failed++
			continue
		}
		if clearErr := c.mirror.ClearPendingChange(ctx, change.ChangeID); clearErr != nil {
			c.logError(opSyncPending, reasonClearFailed, clearErr, zap.String(fieldChangeID, change.ChangeID))
			report.Failed++
			continue
		}
		report.Replayed++
	}
	return report, nil
}

// WatchConnectivity polls the probe and drains the queue on every
// offline-to-online transition, until the context is canceled.
func (c *Coordinator) WatchConnectivity(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasOnline := c.probe.Online()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := c.probe.Online()
			if online && !wasOnline {
				if _, err := c.SyncPendingChanges(ctx); err != nil {
					c.logError(opSyncPending, reasonPushFailed, err)
				}
			}
			wasOnline = online
		}
	}
}

// PendingChangeCount reports the queued-change count for UI indicators.
func (c *Coordinator) PendingChangeCount(ctx context.Context) (int64, error) {
	return c.mirror.PendingChangeCount(ctx)
}

// HasPendingChanges reports whether any changes await replay.
func (c *Coordinator) HasPendingChanges(ctx context.Context) (bool, error) {
	return c.mirror.HasPendingChanges(ctx)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("offline coordinator error", attrs...)
}
