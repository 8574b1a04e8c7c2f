package models

import "time"

// SyncStatus is a read-only snapshot of the offline queue. It is derived from
// the queue and connectivity state and never persisted.
type SyncStatus struct {
	Online       bool       `json:"online"`
	Syncing      bool       `json:"syncing"`
	PendingCount int        `json:"pendingCount"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	StorageError string     `json:"storageError,omitempty"`
}
