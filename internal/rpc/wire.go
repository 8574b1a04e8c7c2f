// Package rpc carries pending operations from the sync agent to the handoff
// server. It defines the wire format for POST /api/sync/{type} and the
// executors the offline queue uses to replay operations.
package rpc

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
)

// IdempotencyHeader carries the operation id so the server can acknowledge
// a replay without applying it twice.
const IdempotencyHeader = "Idempotency-Key"

// SyncPath returns the route for an operation type.
func SyncPath(opType string) string {
	return "/api/sync/" + opType
}

// SyncRequest is the body of POST /api/sync/{type}.
type SyncRequest struct {
	OperationID string                 `json:"operationId"`
	PatientID   string                 `json:"patientId,omitempty"`
	Timestamp   int64                  `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// Result values of SyncResponse.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
)

// SyncResponse acknowledges an applied operation.
type SyncResponse struct {
	OperationID string `json:"operationId"`
	Result      string `json:"result"`
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// WriteError writes err as an ErrorBody, choosing the status from its code.
func WriteError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		message = appErr.Message
	}

	status := apperrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Code: string(code), Message: message}})
}
