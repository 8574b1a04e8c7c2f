package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/models"
	"github.com/sbarhandoff/backend/internal/sync/queue"
)

func evolutionOp() models.PendingOperation {
	return models.PendingOperation{
		ID:        "op-1",
		Type:      models.OperationEvolution,
		Data:      map[string]interface{}{"situation": "febrile"},
		Timestamp: 1700000000000,
		PatientID: "p-1",
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestNewClient_validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "handoff.local:8080"},
		{"garbage", "::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Config{BaseURL: tt.url})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
		})
	}
}

func TestClient_Execute_postsOperation(t *testing.T) {
	var got SyncRequest
	var path, key string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get(IdempotencyHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		WriteJSON(w, http.StatusOK, SyncResponse{OperationID: got.OperationID, Result: ResultApplied})
	})

	require.NoError(t, c.Execute(context.Background(), evolutionOp()))

	assert.Equal(t, "/api/sync/evolution", path)
	assert.Equal(t, "op-1", key)
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, "p-1", got.PatientID)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	assert.Equal(t, "febrile", got.Data["situation"])
}

func TestClient_Execute_duplicateIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, SyncResponse{OperationID: "op-1", Result: ResultDuplicate})
	})
	assert.NoError(t, c.Execute(context.Background(), evolutionOp()))
}

func TestClient_Execute_errorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    interface{}
		code    apperrors.ErrorCode
		message string
	}{
		{
			name:    "validation rejected",
			status:  http.StatusBadRequest,
			body:    ErrorBody{Error: ErrorDetail{Code: "VALIDATION_ERROR", Message: "situation is required"}},
			code:    apperrors.ErrRemoteRejected,
			message: "situation is required",
		},
		{
			name:    "unknown patient",
			status:  http.StatusNotFound,
			body:    ErrorBody{Error: ErrorDetail{Code: "NOT_FOUND", Message: "patient p-1 not found"}},
			code:    apperrors.ErrRemoteRejected,
			message: "patient p-1 not found",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    ErrorBody{Error: ErrorDetail{Code: "DATABASE_ERROR", Message: "database is locked"}},
			code:    apperrors.ErrSyncFailed,
			message: "database is locked",
		},
		{
			name:    "non-JSON body",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			code:    apperrors.ErrSyncFailed,
			message: "Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				WriteJSON(w, tt.status, tt.body)
			})

			err := c.Execute(context.Background(), evolutionOp())
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))

			var appErr *apperrors.AppError
			require.True(t, apperrors.As(err, &appErr))
			assert.Equal(t, tt.message, appErr.Message)
		})
	}
}

func TestClient_Execute_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	err = c.Execute(context.Background(), evolutionOp())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
}

func TestClient_Execute_rateLimited(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		WriteJSON(w, http.StatusOK, SyncResponse{Result: ResultApplied})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, RatePerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	require.NoError(t, c.Execute(context.Background(), evolutionOp()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Execute(ctx, evolutionOp())
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.Wrap(apperrors.ErrNotFound, "patient p-9 not found", errors.New("sql: no rows")))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "patient p-9 not found", body.Error.Message)
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var seen []string
	r.Handle(models.OperationPatient, queue.ExecutorFunc(func(_ context.Context, op models.PendingOperation) error {
		seen = append(seen, op.ID)
		return nil
	}))

	require.NoError(t, r.Execute(context.Background(), models.PendingOperation{ID: "op-1", Type: models.OperationPatient}))
	assert.Equal(t, []string{"op-1"}, seen)

	err := r.Execute(context.Background(), models.PendingOperation{ID: "op-2", Type: models.OperationDischarge})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejected))
}
