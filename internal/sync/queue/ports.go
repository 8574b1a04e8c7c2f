package queue

import (
	"context"

	"github.com/sbarhandoff/backend/internal/models"
)

// Store is the key/value persistence port for the serialized queue.
// Get returns (nil, nil) when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Executor replays a pending operation against the remote system. A nil
// error confirms the operation; any error makes it eligible for retry.
type Executor interface {
	Execute(ctx context.Context, op models.PendingOperation) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op models.PendingOperation) error

// Execute calls f(ctx, op).
func (f ExecutorFunc) Execute(ctx context.Context, op models.PendingOperation) error {
	return f(ctx, op)
}

// Notifier receives user-facing notifications. Implementations must not
// block for long; they are called from enqueue and flush paths.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
