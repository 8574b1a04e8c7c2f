// Package queue provides the offline operation queue: a durable FIFO of
// client-originated mutations that are replayed against the remote system
// with bounded retries once connectivity allows.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sbarhandoff/backend/internal/clock"
	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/codec"
)

const (
	// StorageKey is the fixed key the serialized queue is stored under.
	StorageKey = "handoff.pending_operations"

	DefaultMaxRetries = 3
	DefaultFlushDelay = time.Second
)

// Reasons a flush pass was skipped.
const (
	SkipOffline    = "offline"
	SkipInProgress = "in_progress"
	SkipEmpty      = "empty"
)

// Options configures a Queue. Store and Executor are required.
type Options struct {
	Store    Store
	Executor Executor
	Notifier Notifier
	Codec    codec.Codec
	Clock    clock.Clock

	// MaxRetries is the number of attempts after which an operation is dropped.
	MaxRetries int
	// FlushDelay is how long after an online enqueue the flush runs.
	FlushDelay time.Duration
	StorageKey string
	// Online is the connectivity state assumed at startup.
	Online bool
	NewID  func() string
}

// FlushResult summarizes one synchronization pass.
type FlushResult struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`
	Attempted  int    `json:"attempted"`
	Synced     int    `json:"synced"`
	Retried    int    `json:"retried"`
	Dropped    int    `json:"dropped"`
}

// EnqueueOption sets optional fields on a new operation.
type EnqueueOption func(*models.PendingOperation)

// WithPatient attaches the display-only patient fields.
func WithPatient(id, name string) EnqueueOption {
	return func(op *models.PendingOperation) {
		op.PatientID = id
		op.PatientName = name
	}
}

// Queue buffers mutations that must survive connectivity loss and drives
// them to confirmation. Only one flush pass runs at a time; a trigger that
// arrives while a pass is running is dropped, not queued.
type Queue struct {
	store      Store
	executor   Executor
	notifier   Notifier
	codec      codec.Codec
	clock      clock.Clock
	maxRetries int
	flushDelay time.Duration
	key        string
	newID      func() string

	mu           sync.Mutex
	ops          []models.PendingOperation
	online       bool
	syncing      bool
	lastSyncTime time.Time
	lastError    string
	storageError string
	timers       map[uint64]clock.Timer
	timerSeq     uint64
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Queue and restores any operations persisted by a previous run.
// A missing or corrupt persisted queue starts empty.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "queue store is required")
	}
	if opts.Executor == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "queue executor is required")
	}

	q := &Queue{
		store:      opts.Store,
		executor:   opts.Executor,
		notifier:   opts.Notifier,
		codec:      opts.Codec,
		clock:      opts.Clock,
		maxRetries: opts.MaxRetries,
		flushDelay: opts.FlushDelay,
		key:        opts.StorageKey,
		newID:      opts.NewID,
		online:     opts.Online,
		timers:     make(map[uint64]clock.Timer),
	}
	if q.notifier == nil {
		q.notifier = nopNotifier{}
	}
	if q.codec == nil {
		q.codec = codec.JSON{}
	}
	if q.clock == nil {
		q.clock = clock.New()
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.flushDelay <= 0 {
		q.flushDelay = DefaultFlushDelay
	}
	if q.key == "" {
		q.key = StorageKey
	}
	if q.newID == nil {
		q.newID = func() string { return uuid.New().String() }
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())

	q.restore(ctx)

	return q, nil
}

// restore loads the persisted queue.
func (q *Queue) restore(ctx context.Context) {
	data, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.storageError = err.Error()
		logging.ErrorWithCode("Failed to read persisted queue, starting empty",
			string(apperrors.ErrStorage), err, map[string]interface{}{"key": q.key})
		return
	}
	if data == nil {
		return
	}

	ops, err := q.codec.Decode(data)
	if err != nil {
		logging.Warn("Persisted queue is corrupt, starting empty",
			map[string]interface{}{"key": q.key, "codec": q.codec.Name(), "error": err.Error()})
		return
	}

	restored := make([]models.PendingOperation, 0, len(ops))
	for _, op := range ops {
		if op.ID == "" || !op.Type.Valid() {
			logging.Warn("Skipping invalid persisted operation",
				map[string]interface{}{"operation_id": op.ID, "type": string(op.Type)})
			continue
		}
		restored = append(restored, op)
	}
	q.ops = restored

	if len(restored) > 0 {
		logging.Info("Restored pending operations", map[string]interface{}{"count": len(restored)})
	}
}

// Enqueue appends a new operation and persists the queue. When online a
// flush is scheduled after the flush delay; the call never waits for it.
// The only error is an unknown operation type. Storage failures degrade to
// an in-memory queue and are reported through Status and the notifier.
func (q *Queue) Enqueue(ctx context.Context, opType models.OperationType, data map[string]interface{}, opts ...EnqueueOption) (string, error) {
	if !opType.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation type %q", opType))
	}

	now := q.clock.Now()
	op := models.PendingOperation{
		ID:        q.newID(),
		Type:      opType,
		Data:      data,
		Timestamp: now.UnixMilli(),
	}.Clone()
	for _, opt := range opts {
		opt(&op)
	}

	q.mu.Lock()
	q.ops = append(q.ops, op)
	online := q.online
	persistErr := q.persistLocked(ctx)
	q.mu.Unlock()

	logging.Info("Enqueued operation", map[string]interface{}{
		"operation_id": op.ID,
		"type":         string(op.Type),
		"online":       online,
	})

	if persistErr != nil {
		q.notifier.Notify(storageFailedNotification(now))
	}
	q.notifier.Notify(queuedNotification(op.Clone(), online, now))

	if online {
		q.scheduleFlush()
	}

	return op.ID, nil
}

// Flush runs one synchronization pass. It is skipped when offline, when a
// pass is already running, or when the queue is empty. Operations are
// replayed sequentially in FIFO order; successes are removed, failures are
// kept with an incremented retry count until MaxRetries is reached, at which
// point they are dropped. The pass never fails.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	q.mu.Lock()
	switch {
	case !q.online:
		q.mu.Unlock()
		return FlushResult{Skipped: true, SkipReason: SkipOffline}
	case q.syncing:
		q.mu.Unlock()
		logging.Debug("Flush already in progress, skipping", nil)
		return FlushResult{Skipped: true, SkipReason: SkipInProgress}
	case len(q.ops) == 0:
		q.mu.Unlock()
		return FlushResult{Skipped: true, SkipReason: SkipEmpty}
	}
	q.syncing = true
	batch := make([]models.PendingOperation, len(q.ops))
	copy(batch, q.ops)
	q.mu.Unlock()

	logging.Info("Flushing pending operations", map[string]interface{}{"count": len(batch)})

	succeeded := make(map[string]bool, len(batch))
	failed := make(map[string]error)
	var lastErr error

	for _, op := range batch {
		if ctx.Err() != nil || !q.IsOnline() {
			break
		}

		err := q.executor.Execute(ctx, op.Clone())
		if err == nil {
			succeeded[op.ID] = true
			continue
		}

		failed[op.ID] = err
		lastErr = err
		logging.Warn("Pending operation failed", map[string]interface{}{
			"operation_id": op.ID,
			"type":         string(op.Type),
			"attempt":      op.RetryCount + 1,
			"error":        err.Error(),
		})
	}

	result := FlushResult{
		Attempted: len(succeeded) + len(failed),
		Synced:    len(succeeded),
	}
	now := q.clock.Now()

	q.mu.Lock()
	remaining := make([]models.PendingOperation, 0, len(q.ops))
	var dropped []models.PendingOperation
	for _, op := range q.ops {
		if succeeded[op.ID] {
			continue
		}
		if _, ok := failed[op.ID]; ok {
			op.RetryCount++
			if op.RetryCount < q.maxRetries {
				result.Retried++
				remaining = append(remaining, op)
			} else {
				result.Dropped++
				dropped = append(dropped, op)
			}
			continue
		}
		remaining = append(remaining, op)
	}
	q.ops = remaining

	if result.Synced > 0 {
		q.lastSyncTime = now
	}
	if lastErr != nil {
		q.lastError = lastErr.Error()
	} else if result.Synced > 0 {
		q.lastError = ""
	}

	var persistErr error
	if result.Attempted > 0 {
		persistErr = q.persistLocked(context.WithoutCancel(ctx))
	}
	q.syncing = false
	q.mu.Unlock()

	if persistErr != nil {
		q.notifier.Notify(storageFailedNotification(now))
	}
	for _, op := range dropped {
		logging.ErrorWithCode("Pending operation failed permanently", string(apperrors.ErrSyncFailed), failed[op.ID],
			map[string]interface{}{"operation_id": op.ID, "type": string(op.Type), "attempts": op.RetryCount})
		q.notifier.Notify(droppedNotification(op, now))
	}
	if result.Synced > 0 {
		q.notifier.Notify(syncedNotification(result.Synced, now))
	}

	logging.Info("Flush completed", map[string]interface{}{
		"synced":  result.Synced,
		"retried": result.Retried,
		"dropped": result.Dropped,
	})

	return result
}

// ForceSync flushes immediately. It is rejected while offline.
func (q *Queue) ForceSync(ctx context.Context) error {
	if !q.IsOnline() {
		q.notifier.Notify(rejectedNotification(q.clock.Now()))
		return apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
	}

	q.Flush(ctx)
	return nil
}

// ClearPendingOperations discards every queued operation, in memory and in
// storage, without attempting delivery.
func (q *Queue) ClearPendingOperations(ctx context.Context) {
	q.mu.Lock()
	count := len(q.ops)
	q.ops = nil
	err := q.store.Delete(ctx, q.key)
	if err != nil {
		q.storageError = err.Error()
	} else {
		q.storageError = ""
	}
	q.mu.Unlock()

	now := q.clock.Now()
	if err != nil {
		logging.ErrorWithCode("Failed to clear persisted queue", string(apperrors.ErrStorage), err,
			map[string]interface{}{"key": q.key})
		q.notifier.Notify(storageFailedNotification(now))
	}

	logging.Info("Pending operations cleared", map[string]interface{}{"count": count})
	q.notifier.Notify(clearedNotification(count, now))
}

// SetOnline records a connectivity transition. Going online triggers an
// immediate asynchronous flush; repeated values are ignored.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	pending := len(q.ops)
	q.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online, "pending": pending})
	q.notifier.Notify(connectivityNotification(online, pending, q.clock.Now()))

	if online {
		q.goFlush()
	}
}

// IsOnline reports the current connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the queue in FIFO order.
func (q *Queue) Pending() []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := make([]models.PendingOperation, len(q.ops))
	for i, op := range q.ops {
		ops[i] = op.Clone()
	}
	return ops
}

// Status returns a snapshot of the queue and connectivity state.
func (q *Queue) Status() models.SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := models.SyncStatus{
		Online:       q.online,
		Syncing:      q.syncing,
		PendingCount: len(q.ops),
		LastError:    q.lastError,
		StorageError: q.storageError,
	}
	if !q.lastSyncTime.IsZero() {
		t := q.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// Wait blocks until every asynchronous flush that has started has finished.
// Delayed flushes whose timer has not fired yet are not waited for.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels pending delayed flushes and waits for running ones.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// scheduleFlush runs a flush after the flush delay.
func (q *Queue) scheduleFlush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.timerSeq++
	id := q.timerSeq
	q.timers[id] = q.clock.AfterFunc(q.flushDelay, func() {
		q.mu.Lock()
		delete(q.timers, id)
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.wg.Add(1)
		q.mu.Unlock()
		defer q.wg.Done()

		q.Flush(q.ctx)
	})
}

// goFlush runs a flush on its own goroutine.
func (q *Queue) goFlush() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.Flush(q.ctx)
	}()
}

// persistLocked writes the whole queue to the store. The caller holds q.mu.
func (q *Queue) persistLocked(ctx context.Context) error {
	data, err := q.codec.Encode(q.ops)
	if err == nil {
		err = q.store.Set(ctx, q.key, data)
	}
	if err != nil {
		q.storageError = err.Error()
		logging.ErrorWithCode("Failed to persist queue, continuing in memory",
			string(apperrors.ErrStorage), err, map[string]interface{}{"key": q.key, "count": len(q.ops)})
		return err
	}
	q.storageError = ""
	return nil
}
