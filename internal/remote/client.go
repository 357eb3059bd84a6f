// Package remote implements the HTTP client for the cloud sync endpoint.
//
// The endpoint exposes a small JSON API: push one operation with an
// optimistic-concurrency precondition, pull a cursor-ordered batch of
// changes for a table, fetch a single record snapshot, and a health probe.
//
// Errors are classified for the push worker: a version mismatch comes back
// as *VersionMismatchError carrying the remote's current state, transient
// failures (network, 5xx, 429) are retryable, and other rejections are
// permanent.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adrata/desktop-sync/internal/record"
)

// DefaultTimeout bounds a single request to the endpoint.
const DefaultTimeout = 30 * time.Second

// VersionMismatchError is returned by Push when the endpoint rejects the
// operation because the expected version does not match the remote's
// current version. It carries the remote's state so the caller can detect
// the conflict without a second round trip.
type VersionMismatchError struct {
	Table          string
	RecordID       string
	Expected       int64
	CurrentVersion int64
	Payload        json.RawMessage
	Deleted        bool
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch for %s/%s: expected %d, remote has %d",
		e.Table, e.RecordID, e.Expected, e.CurrentVersion)
}

// TransientError wraps failures worth retrying with backoff: network
// errors, server errors, and throttling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the push worker should retry the operation.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Change is one remote change in a pull batch.
type Change struct {
	RecordID string          `json:"record_id"`
	Version  int64           `json:"version"`
	Deleted  bool            `json:"deleted"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PullBatch is the endpoint's response to a pull request.
type PullBatch struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// Snapshot is the endpoint's current state of a single record.
type Snapshot struct {
	RecordID string          `json:"record_id"`
	Version  int64           `json:"version"`
	Deleted  bool            `json:"deleted"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the endpoint root, e.g. https://sync.example.com
	BaseURL string
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client talks to the cloud sync endpoint.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewClient creates a client for the given endpoint.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:   base,
		authToken: cfg.AuthToken,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type pushRequest struct {
	Op              string          `json:"op"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	SourceID        string          `json:"source_id"`
	BatchID         string          `json:"batch_id,omitempty"`
}

type pushResponse struct {
	NewVersion int64 `json:"new_version"`
}

type mismatchResponse struct {
	CurrentVersion int64           `json:"current_version"`
	Deleted        bool            `json:"deleted"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Push sends one local operation to the endpoint with its expected-version
// precondition. On acceptance it returns the record's new remote version.
// A stale precondition returns *VersionMismatchError. batchID groups the
// pushes of one worker cycle so the endpoint can deduplicate replays.
func (c *Client) Push(ctx context.Context, table, recordID string, kind record.OpKind, payload json.RawMessage, expectedVersion int64, sourceID, batchID string) (int64, error) {
	body, err := json.Marshal(pushRequest{
		Op:              string(kind),
		Payload:         payload,
		ExpectedVersion: expectedVersion,
		SourceID:        sourceID,
		BatchID:         batchID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode push request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sync/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(recordID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var pr pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return 0, &TransientError{Err: fmt.Errorf("failed to decode push response: %w", err)}
		}
		return pr.NewVersion, nil
	case http.StatusConflict:
		var mr mismatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return 0, &TransientError{Err: fmt.Errorf("failed to decode conflict response: %w", err)}
		}
		return 0, &VersionMismatchError{
			Table:          table,
			RecordID:       recordID,
			Expected:       expectedVersion,
			CurrentVersion: mr.CurrentVersion,
			Payload:        mr.Payload,
			Deleted:        mr.Deleted,
		}
	default:
		return 0, classifyStatus(resp)
	}
}

// Pull fetches up to limit changes for a table after the given cursor.
// An empty cursor starts from the beginning of the table's change stream.
func (c *Client) Pull(ctx context.Context, table, cursor string, limit int) (*PullBatch, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("after", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, url.PathEscape(table))
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var batch PullBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode pull batch: %w", err)}
	}
	return &batch, nil
}

// Fetch retrieves the endpoint's current snapshot of one record. Returns
// record.ErrNotFound if the record does not exist remotely.
func (c *Client) Fetch(ctx context.Context, table, recordID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/records/%s/%s", c.baseURL, url.PathEscape(table), url.PathEscape(recordID))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, record.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to decode record snapshot: %w", err)}
	}
	return &snap, nil
}

// Health probes the endpoint. A nil error means the endpoint is reachable
// and reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures are always worth retrying.
		return nil, &TransientError{Err: fmt.Errorf("request to %s failed: %w", endpoint, err)}
	}
	return resp, nil
}

// classifyStatus turns a non-success HTTP status into a transient or
// permanent error. The body is read for the message but capped.
func classifyStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Err: err}
	}
	return err
}
