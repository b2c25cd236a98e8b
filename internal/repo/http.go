package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"fieldsync/internal/record"
)

// HTTPRepositoryOptions configures an HTTP remote repository client.
type HTTPRepositoryOptions struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPRepository talks to the remote store over JSON REST.
//
// Remote calls carry a bounded timeout; expiry surfaces as a transient
// timeout failure so the retry scheduler picks the operation up. HTTP
// status codes map to the typed failure taxonomy:
//
//	404          -> NotFound
//	409, 412     -> VersionConflict
//	400, 422     -> Validation
//	429          -> Transient (rate_limited)
//	5xx          -> Transient (server_error)
//	no response  -> Transient (no_connection or timeout)
type HTTPRepository struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Compile-time check.
var _ Repository = (*HTTPRepository)(nil)

// DefaultRemoteTimeout bounds each remote call.
const DefaultRemoteTimeout = 15 * time.Second

// NewHTTPRepository creates a remote repository client.
func NewHTTPRepository(opts HTTPRepositoryOptions) (*HTTPRepository, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote repository: base URL is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultRemoteTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPRepository{
		baseURL:    baseURL,
		authToken:  opts.AuthToken,
		httpClient: httpClient,
	}, nil
}

// Create stores a new record remotely.
func (r *HTTPRepository) Create(ctx context.Context, e record.Equipment) error {
	return r.write(ctx, http.MethodPost, r.url(""), "create", e.ID, e)
}

// Update replaces a record remotely. The remote rejects with a version
// conflict when its copy is not older than the incoming one.
func (r *HTTPRepository) Update(ctx context.Context, id string, e record.Equipment) error {
	return r.write(ctx, http.MethodPut, r.url(id), "update", id, e)
}

// Delete removes a record remotely.
func (r *HTTPRepository) Delete(ctx context.Context, id string) error {
	return r.write(ctx, http.MethodDelete, r.url(id), "delete", id, nil)
}

// GetByID fetches the current remote copy of a record.
func (r *HTTPRepository) GetByID(ctx context.Context, id string) (record.Equipment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(id), nil)
	if err != nil {
		return record.Equipment{}, Validation("get", id, err)
	}
	r.setHeaders(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return record.Equipment{}, Transient("get", id, transportReason(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return record.Equipment{}, classifyStatus("get", id, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return record.Equipment{}, Transient("get", id, ReasonServerError, err)
	}
	e, err := record.Unmarshal(body)
	if err != nil {
		return record.Equipment{}, Validation("get", id, err)
	}
	return e, nil
}

func (r *HTTPRepository) write(ctx context.Context, method, url, op, entityID string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Validation(op, entityID, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Validation(op, entityID, err)
	}
	r.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Transient(op, entityID, transportReason(err), err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(op, entityID, resp)
}

func (r *HTTPRepository) url(id string) string {
	if id == "" {
		return r.baseURL + "/api/equipment"
	}
	return r.baseURL + "/api/equipment/" + id
}

func (r *HTTPRepository) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}

// classifyStatus maps an HTTP error response to a typed failure.
func classifyStatus(op, entityID string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NotFound(op, entityID)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return Conflict(op, entityID)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Transient(op, entityID, ReasonRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return Validation(op, entityID, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return Transient(op, entityID, ReasonServerError, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return Validation(op, entityID, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// transportReason distinguishes timeouts from connectivity failures.
func transportReason(err error) TransientReason {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonNoConnection
}
