package rpc

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

// Router dispatches operations to per-type executors in process. The agent
// uses it when the handoff store is local instead of behind a server.
type Router struct {
	mu       sync.RWMutex
	handlers map[models.OperationType]queue.Executor
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[models.OperationType]queue.Executor)}
}

// Handle registers exec for opType, replacing any earlier registration.
func (r *Router) Handle(opType models.OperationType, exec queue.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = exec
}

// Execute implements queue.Executor.
func (r *Router) Execute(ctx context.Context, op models.PendingOperation) error {
	r.mu.RLock()
	exec, ok := r.handlers[op.Type]
	r.mu.RUnlock()

	if !ok {
		return apperrors.New(apperrors.ErrRemoteRejected, fmt.Sprintf("no handler for operation type %q", op.Type))
	}
	return exec.Execute(ctx, op)
}
