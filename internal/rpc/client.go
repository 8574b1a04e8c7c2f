package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/sbarhandoff/backend/internal/errors"
	"github.com/sbarhandoff/backend/internal/logging"
	"github.com/sbarhandoff/backend/internal/models"
)

const (
	DefaultTimeout = 10 * time.Second
	maxErrorBody   = 64 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RatePerSecond caps outgoing requests; zero disables the limiter.
	RatePerSecond float64
	Burst         int

	HTTPClient *http.Client
}

// Client replays pending operations against the handoff server. It
// implements queue.Executor.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "sync server URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("invalid sync server URL %q", cfg.BaseURL), err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{base: base, http: httpClient}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// Execute posts op to /api/sync/{type}. Transport failures and 5xx replies
// return SYNC_FAILED; 4xx replies return REMOTE_REJECTED carrying the
// server's message. Both are retried by the queue.
func (c *Client) Execute(ctx context.Context, op models.PendingOperation) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "rate limiter", err)
		}
	}

	body, err := json.Marshal(SyncRequest{
		OperationID: op.ID,
		PatientID:   op.PatientID,
		Timestamp:   op.Timestamp,
		Data:        op.Data,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodec, "failed to encode operation", err)
	}

	endpoint := c.base.String() + SyncPath(string(op.Type))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, op.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "sync server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack SyncResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.Result == ResultDuplicate {
			logging.Debug("Operation already applied", map[string]interface{}{"operation_id": op.ID})
		}
		return nil
	}

	return remoteError(resp)
}

func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body ErrorBody
	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		message = body.Error.Message
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		cause := fmt.Errorf("status %d %s", resp.StatusCode, body.Error.Code)
		return apperrors.Wrap(apperrors.ErrRemoteRejected, message, cause)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, message, fmt.Errorf("status %d", resp.StatusCode))
}
