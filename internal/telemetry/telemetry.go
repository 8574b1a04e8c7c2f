// Package telemetry keeps local counters of queue activity. Nothing leaves
// the process; the agent reports the counters on its health endpoint.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/sbarhandoff/backend/internal/sync/queue"
)

// Counters tallies queue notifications. The zero value is ready to use.
type Counters struct {
	enqueued         atomic.Int64
	synced           atomic.Int64
	dropped          atomic.Int64
	cleared          atomic.Int64
	storageFailures  atomic.Int64
	forceSyncRejects atomic.Int64
	wentOnline       atomic.Int64
	wentOffline      atomic.Int64
	lastEvent        atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued          int64      `json:"enqueued"`
	Synced            int64      `json:"synced"`
	Dropped           int64      `json:"dropped"`
	Cleared           int64      `json:"cleared"`
	StorageFailures   int64      `json:"storageFailures"`
	ForceSyncRejected int64      `json:"forceSyncRejected"`
	WentOnline        int64      `json:"wentOnline"`
	WentOffline       int64      `json:"wentOffline"`
	LastEvent         *time.Time `json:"lastEvent,omitempty"`
}

// Notify implements queue.Notifier.
func (c *Counters) Notify(n queue.Notification) {
	switch n.Kind {
	case queue.NotifyQueuedOnline, queue.NotifyQueuedOffline:
		c.enqueued.Add(1)
	case queue.NotifySynced:
		c.synced.Add(int64(n.Count))
	case queue.NotifyDropped:
		c.dropped.Add(1)
	case queue.NotifyCleared:
		c.cleared.Add(int64(n.Count))
	case queue.NotifyStorageFailed:
		c.storageFailures.Add(1)
	case queue.NotifyForceSyncRejected:
		c.forceSyncRejects.Add(1)
	case queue.NotifyOnline:
		c.wentOnline.Add(1)
	case queue.NotifyOffline:
		c.wentOffline.Add(1)
	default:
		return
	}

	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	c.lastEvent.Store(at.UnixNano())
}

// Snapshot returns the current counts.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Enqueued:          c.enqueued.Load(),
		Synced:            c.synced.Load(),
		Dropped:           c.dropped.Load(),
		Cleared:           c.cleared.Load(),
		StorageFailures:   c.storageFailures.Load(),
		ForceSyncRejected: c.forceSyncRejects.Load(),
		WentOnline:        c.wentOnline.Load(),
		WentOffline:       c.wentOffline.Load(),
	}
	if ns := c.lastEvent.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastEvent = &t
	}
	return s
}
