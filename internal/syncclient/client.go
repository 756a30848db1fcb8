// Package syncclient uploads batches of scan records to the remote server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rfidscan/scan-logger/internal/model"
)

// DefaultTimeout bounds a single batch request.
const DefaultTimeout = 10 * time.Second

const batchPath = "/scans/batch"

// ErrTransport matches every TransportError.
var ErrTransport = errors.New("transport error")

// TransportError reports an upload that could not be completed. When it is
// returned no record of the batch counts as acknowledged.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Result carries the ids the server confirmed as durably received.
type Result struct {
	SyncedIDs []string
	Message   string
}

// Client posts scan batches over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the API rooted at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API root the client posts to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadBatch sends records for acknowledgment. A partial acknowledgment is a
// successful result; a response with success=false acknowledges nothing.
func (c *Client) UploadBatch(ctx context.Context, records []model.ScanRecord, credential string) (Result, error) {
	body, err := json.Marshal(struct {
		Scans []model.ScanRecord `json:"scans"`
	}{Scans: records})
	if err != nil {
		return Result{}, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw))),
		}
	}

	var parsed model.SyncResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	if !parsed.Success {
		return Result{Message: parsed.Message}, nil
	}
	return Result{SyncedIDs: parsed.SyncedIDs, Message: parsed.Message}, nil
}
