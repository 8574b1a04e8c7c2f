// Package notify delivers queue notifications to users: through the log, to
// connected UI clients over WebSocket, or into memory for tests.
package notify

import (
	"sync"

	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

// Log writes notifications through the logging facade. Error notifications
// are logged at WARN.
type Log struct{}

func (Log) Notify(n queue.Notification) {
	ctx := map[string]interface{}{
		"kind": string(n.Kind),
	}
	if n.Count > 0 {
		ctx["count"] = n.Count
	}
	if n.Operation != nil {
		ctx["operation_id"] = n.Operation.ID
		ctx["type"] = string(n.Operation.Type)
		if n.Operation.PatientName != "" {
			ctx["patient"] = n.Operation.PatientName
		}
	}

	if n.Error() {
		logging.Warn(n.Message, ctx)
		return
	}
	logging.Info(n.Message, ctx)
}

// Multi fans a notification out to every notifier in order.
type Multi []queue.Notifier

func (m Multi) Notify(n queue.Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []queue.Notification
}

func (r *Recorder) Notify(n queue.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []queue.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.Notification(nil), r.items...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []queue.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]queue.NotificationKind, len(r.items))
	for i, n := range r.items {
		kinds[i] = n.Kind
	}
	return kinds
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind queue.NotificationKind) int {
	n := 0
	for _, k := range r.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
