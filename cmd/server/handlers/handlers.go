// Package handlers provides the REST API of the handoff server: the sync
// endpoint agents replay pending operations against, and patient queries.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/handoff"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/rpc"
)

const maxBodyBytes = 1 << 20

// Registry is the part of the handoff service the handlers use.
type Registry interface {
	Apply(ctx context.Context, op handoff.Operation) (handoff.Outcome, error)
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListEvolutions(ctx context.Context, patientID string) ([]*models.Evolution, error)
}

// Pinger reports database reachability for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the handoff server API.
type Handler struct {
	registry Registry
	db       Pinger
}

// NewHandler creates a Handler. db may be nil.
func NewHandler(registry Registry, db Pinger) *Handler {
	return &Handler{registry: registry, db: db}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(rpc.LogRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", h.Health)
	r.Post("/api/sync/{type}", h.Sync)
	r.Get("/api/patients/{id}", h.GetPatient)
	r.Get("/api/patients/{id}/evolutions", h.ListEvolutions)
	return r
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			rpc.WriteError(w, apperrors.Wrap(apperrors.ErrDatabase, "database unreachable", err))
			return
		}
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "handoff-server"})
}

// Sync handles POST /api/sync/{type}. The Idempotency-Key header, when
// present, must match the body's operation id.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	opType, err := models.ParseOperationType(chi.URLParam(r, "type"))
	if err != nil {
		rpc.WriteError(w, apperrors.Wrap(apperrors.ErrNotFound, "unknown operation type", err))
		return
	}

	var req rpc.SyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		rpc.WriteError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if key := r.Header.Get(rpc.IdempotencyHeader); key != "" {
		if req.OperationID == "" {
			req.OperationID = key
		} else if req.OperationID != key {
			rpc.WriteError(w, apperrors.New(apperrors.ErrInvalid, "Idempotency-Key does not match operationId"))
			return
		}
	}

	outcome, err := h.registry.Apply(r.Context(), handoff.Operation{
		ID:        req.OperationID,
		Type:      opType,
		PatientID: req.PatientID,
		Timestamp: req.Timestamp,
		Data:      req.Data,
	})
	if err != nil {
		rpc.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome == handoff.Duplicate {
		status = http.StatusOK
	}
	rpc.WriteJSON(w, status, rpc.SyncResponse{OperationID: req.OperationID, Result: string(outcome)})
}

// GetPatient handles GET /api/patients/{id}.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rpc.WriteError(w, err)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, p)
}

// ListEvolutions handles GET /api/patients/{id}/evolutions.
func (h *Handler) ListEvolutions(w http.ResponseWriter, r *http.Request) {
	evolutions, err := h.registry.ListEvolutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rpc.WriteError(w, err)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"evolutions": evolutions,
		"count":      len(evolutions),
	})
}
