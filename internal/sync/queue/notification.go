package queue

import (
	"fmt"
	"time"

	"github.com/sbarhandoff/backend/internal/models"
)

// NotificationKind distinguishes the user-facing messages the queue emits.
type NotificationKind string

const (
	NotifyQueuedOnline      NotificationKind = "queued_online"
	NotifyQueuedOffline     NotificationKind = "queued_offline"
	NotifySynced            NotificationKind = "synced"
	NotifyDropped           NotificationKind = "dropped"
	NotifyForceSyncRejected NotificationKind = "force_sync_rejected"
	NotifyCleared           NotificationKind = "cleared"
	NotifyOnline            NotificationKind = "online"
	NotifyOffline           NotificationKind = "offline"
	NotifyStorageFailed     NotificationKind = "storage_failed"
)

// Notification is a single user-facing message.
type Notification struct {
	Kind      NotificationKind         `json:"kind"`
	Message   string                   `json:"message"`
	Count     int                      `json:"count,omitempty"`
	Operation *models.PendingOperation `json:"operation,omitempty"`
	At        time.Time                `json:"at"`
}

// Error reports whether the notification should be rendered as an error.
func (n Notification) Error() bool {
	switch n.Kind {
	case NotifyDropped, NotifyForceSyncRejected, NotifyStorageFailed:
		return true
	}
	return false
}

func queuedNotification(op models.PendingOperation, online bool, at time.Time) Notification {
	n := Notification{Operation: &op, At: at}
	if online {
		n.Kind = NotifyQueuedOnline
		n.Message = fmt.Sprintf("%s saved, it will sync shortly", capitalize(op.Type.Label()))
	} else {
		n.Kind = NotifyQueuedOffline
		n.Message = fmt.Sprintf("%s saved locally, it will sync when the connection returns", capitalize(op.Type.Label()))
	}
	return n
}

func syncedNotification(count int, at time.Time) Notification {
	return Notification{
		Kind:    NotifySynced,
		Message: fmt.Sprintf("%d %s synced", count, plural(count, "operation", "operations")),
		Count:   count,
		At:      at,
	}
}

func droppedNotification(op models.PendingOperation, at time.Time) Notification {
	return Notification{
		Kind:      NotifyDropped,
		Message:   fmt.Sprintf("Could not sync %s after %d attempts, it was discarded", op.Type.Label(), op.RetryCount),
		Operation: &op,
		At:        at,
	}
}

func rejectedNotification(at time.Time) Notification {
	return Notification{
		Kind:    NotifyForceSyncRejected,
		Message: "No connection, cannot sync now",
		At:      at,
	}
}

func clearedNotification(count int, at time.Time) Notification {
	return Notification{
		Kind:    NotifyCleared,
		Message: fmt.Sprintf("Discarded %d pending %s", count, plural(count, "operation", "operations")),
		Count:   count,
		At:      at,
	}
}

func connectivityNotification(online bool, pending int, at time.Time) Notification {
	if online {
		return Notification{
			Kind:    NotifyOnline,
			Message: "Connection restored, syncing pending changes",
			Count:   pending,
			At:      at,
		}
	}
	return Notification{
		Kind:    NotifyOffline,
		Message: "You are offline, changes will be saved on this device",
		Count:   pending,
		At:      at,
	}
}

func storageFailedNotification(at time.Time) Notification {
	return Notification{
		Kind:    NotifyStorageFailed,
		Message: "Pending changes could not be saved on this device and will be lost if the app restarts",
		At:      at,
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
