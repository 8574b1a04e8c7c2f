// Package handlers provides the local REST API of the sync agent. UI clients
// use it to submit operations, inspect and control the offline queue, and
// subscribe to notifications over WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/rpc"
	"github.com/sbarhandoff/backend/internal/sync/queue"
	"github.com/sbarhandoff/backend/internal/sync/scheduler"
	"github.com/sbarhandoff/backend/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// SyncQueue is the part of the offline queue the API drives.
type SyncQueue interface {
	Enqueue(ctx context.Context, opType models.OperationType, data map[string]interface{}, opts ...queue.EnqueueOption) (string, error)
	Pending() []models.PendingOperation
	Len() int
	ClearPendingOperations(ctx context.Context)
	ForceSync(ctx context.Context) error
	Status() models.SyncStatus
}

// Connectivity is the agent's online flag.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool) bool
}

// Overrider pins connectivity against probe results.
type Overrider interface {
	Override(online bool)
	ClearOverride()
	Overridden() bool
}

// Deps are the collaborators of Handler. Scheduler, Prober, WS and
// Counters are optional.
type Deps struct {
	Queue        SyncQueue
	Connectivity Connectivity
	Scheduler    *scheduler.Scheduler
	Prober       Overrider
	WS           http.Handler
	Counters     *telemetry.Counters

	// Direct replays operations synchronously when QueueEnabled is false.
	Direct       queue.Executor
	QueueEnabled bool
	Features     []string
}

// SyncHandler serves the agent API.
type SyncHandler struct {
	deps Deps
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(deps Deps) *SyncHandler {
	return &SyncHandler{deps: deps}
}

// Routes builds the router.
func (h *SyncHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(rpc.LogRequests)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", h.Health)
	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/pending", h.ListPending)
		r.Post("/pending", h.Enqueue)
		r.Delete("/pending", h.Clear)
		r.Post("/force", h.ForceSync)
		r.Post("/connectivity", h.SetConnectivity)
	})
	if h.deps.WS != nil {
		r.Get("/ws", h.deps.WS.ServeHTTP)
	}
	return r
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":   "ok",
		"service":  "handoff-agent",
		"online":   h.deps.Connectivity.IsOnline(),
		"features": h.deps.Features,
	}
	if h.deps.Counters != nil {
		body["counters"] = h.deps.Counters.Snapshot()
	}
	rpc.WriteJSON(w, http.StatusOK, body)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler != nil {
		rpc.WriteJSON(w, http.StatusOK, h.deps.Scheduler.GetStatus())
		return
	}
	rpc.WriteJSON(w, http.StatusOK, scheduler.SchedulerStatus{Sync: h.deps.Queue.Status()})
}

// ListPending handles GET /api/sync/pending.
func (h *SyncHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	ops := h.deps.Queue.Pending()
	rpc.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

// EnqueueRequest is the body of POST /api/sync/pending.
type EnqueueRequest struct {
	Type        string                 `json:"type"`
	Data        map[string]interface{} `json:"data"`
	PatientID   string                 `json:"patientId,omitempty"`
	PatientName string                 `json:"patientName,omitempty"`
}

// Enqueue handles POST /api/sync/pending. With the offline queue enabled the
// operation is queued and 202 is returned; otherwise it is replayed
// immediately and 201 is returned.
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		rpc.WriteError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	opType, err := models.ParseOperationType(req.Type)
	if err != nil {
		rpc.WriteError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid operation type", err))
		return
	}

	if !h.deps.QueueEnabled {
		h.forward(w, r, opType, req)
		return
	}

	id, err := h.deps.Queue.Enqueue(r.Context(), opType, req.Data, queue.WithPatient(req.PatientID, req.PatientName))
	if err != nil {
		rpc.WriteError(w, err)
		return
	}
	rpc.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"operationId": id,
		"queued":      true,
		"status":      h.deps.Queue.Status(),
	})
}

func (h *SyncHandler) forward(w http.ResponseWriter, r *http.Request, opType models.OperationType, req EnqueueRequest) {
	if !h.deps.Connectivity.IsOnline() {
		rpc.WriteError(w, apperrors.New(apperrors.ErrOffline, "offline queue is disabled and the server is unreachable"))
		return
	}

	op := models.PendingOperation{
		ID:          uuid.New().String(),
		Type:        opType,
		Data:        req.Data,
		Timestamp:   time.Now().UnixMilli(),
		PatientID:   req.PatientID,
		PatientName: req.PatientName,
	}
	if err := h.deps.Direct.Execute(r.Context(), op); err != nil {
		logging.Warn("Direct sync failed", map[string]interface{}{"operation_id": op.ID, "error": err.Error()})
		rpc.WriteError(w, err)
		return
	}
	rpc.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"operationId": op.ID,
		"queued":      false,
	})
}

// Clear handles DELETE /api/sync/pending.
func (h *SyncHandler) Clear(w http.ResponseWriter, r *http.Request) {
	count := h.deps.Queue.Len()
	h.deps.Queue.ClearPendingOperations(r.Context())
	rpc.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": count,
		"status":  h.deps.Queue.Status(),
	})
}

// ForceSync handles POST /api/sync/force. It runs a pass before replying.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.ForceSync(r.Context()); err != nil {
		rpc.WriteError(w, err)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, h.deps.Queue.Status())
}

// ConnectivityRequest is the body of POST /api/sync/connectivity. A null
// online returns control to the health prober.
type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

// SetConnectivity handles POST /api/sync/connectivity.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		rpc.WriteError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}

	switch {
	case h.deps.Prober != nil && req.Online == nil:
		h.deps.Prober.ClearOverride()
	case h.deps.Prober != nil:
		h.deps.Prober.Override(*req.Online)
	case req.Online == nil:
		rpc.WriteError(w, apperrors.New(apperrors.ErrInvalid, "online is required when no health probe runs"))
		return
	default:
		h.deps.Connectivity.SetOnline(*req.Online)
	}

	overridden := false
	if h.deps.Prober != nil {
		overridden = h.deps.Prober.Overridden()
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"online":     h.deps.Connectivity.IsOnline(),
		"overridden": overridden,
	})
}
