package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hyperengineering/recordsync/internal/consistency"
	recsync "github.com/hyperengineering/recordsync/internal/sync"
)

// APIClient talks the replication protocol over HTTP.
type APIClient struct {
	mu       sync.RWMutex
	baseURL  string
	token    string
	clientID string
	http     *http.Client
}

// NewAPIClient creates a client for the given server. The token is sent as
// a bearer credential on every request.
func NewAPIClient(baseURL, token, clientID string) *APIClient {
	return &APIClient{
		baseURL:  baseURL,
		token:    token,
		clientID: clientID,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

// SetBaseURL repoints the client at another server. Takes effect on the
// next request; an in-flight request finishes against the old server.
func (c *APIClient) SetBaseURL(baseURL string) {
	c.mu.Lock()
	c.baseURL = baseURL
	c.mu.Unlock()
}

// SettingsResponse is the body of GET /client/settings.
type SettingsResponse struct {
	SyncProtocolVersion int                  `json:"sync_protocol_version"`
	SyncRequest         *recsync.SyncRequest `json:"sync_request,omitempty"`
}

// Settings polls the server for the protocol version and any pending
// sync-request.
func (c *APIClient) Settings(ctx context.Context) (*SettingsResponse, error) {
	q := url.Values{"clientId": {c.clientID}}
	var out SettingsResponse
	if err := c.do(ctx, http.MethodGet, "/client/settings?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push submits wire-form rows grouped by table.
func (c *APIClient) Push(ctx context.Context, upserts []recsync.TableUpserts) (*recsync.PushResponse, error) {
	req := recsync.PushRequest{ClientID: c.clientID, Upserts: upserts}
	var out recsync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches one page of changes after the given cursor.
func (c *APIClient) Pull(ctx context.Context, sinceSeq int64, limit int) (*recsync.PullResponse, error) {
	q := url.Values{
		"since":                 {strconv.FormatInt(sinceSeq, 10)},
		"client_id":             {c.clientID},
		"sync_protocol_version": {strconv.Itoa(recsync.ProtocolVersion)},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out recsync.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/changes?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges an executed sync-request.
func (c *APIClient) Ack(ctx context.Context, requestID, reqType, status, errMsg string) error {
	body := map[string]any{
		"clientId":  c.clientID,
		"requestId": requestID,
		"type":      reqType,
		"status":    status,
		"at":        time.Now().UnixMilli(),
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var out map[string]any
	return c.do(ctx, http.MethodPost, "/client/settings/sync-request/ack", body, &out)
}

// PostSnapshot reports the local consistency snapshot.
func (c *APIClient) PostSnapshot(ctx context.Context, cursorSeq int64, snap *consistency.Snapshot) error {
	body := map[string]any{
		"client_id":   c.clientID,
		"snapshot_at": time.Now().UnixMilli(),
		"cursor_seq":  cursorSeq,
		"snapshot":    snap,
	}
	var out map[string]any
	return c.do(ctx, http.MethodPost, "/client/consistency/snapshot", body, &out)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeProblem(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeProblem converts an RFC 7807 body back into a protocol error so
// callers can branch on the kind.
func decodeProblem(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var problem struct {
		Detail string `json:"detail"`
		Kind   string `json:"kind"`
		Table  string `json:"table"`
		RowID  string `json:"row_id"`
		Field  string `json:"field"`
	}
	if err := json.Unmarshal(raw, &problem); err != nil || problem.Kind == "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
	}
	return recsync.NewError(problem.Kind, problem.Table, problem.RowID, problem.Field, problem.Detail)
}
