// Package remotestore is the HTTP/WebSocket client for the remote
// store's PostgREST-shaped API: the commands/devices/entities/
// entity_state/entity_state_history/hubs tables the daemon reads from
// and writes to, plus a change-stream subscription for push-mode command
// delivery.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/transport/httpx"
)

// Config points the client at a remote store instance.
type Config struct {
	BaseURL string
	APIKey  string // sent as both apikey and Authorization: Bearer
	Timeout time.Duration
}

// RESTClient is the synchronous REST half of the remote store client:
// reads and upserts against a PostgREST-compatible API.
type RESTClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewRESTClient(cfg Config) *RESTClient {
	return &RESTClient{
		http:    httpx.New(httpx.Options{Timeout: cfg.Timeout}),
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// CommandRow mirrors one row of the remote commands table.
type CommandRow struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Capability  string          `json:"capability"`
	Value       json.RawMessage `json:"value"`
	Status      string          `json:"status"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Coalesced   bool            `json:"coalesced,omitempty"`
}

func (c *RESTClient) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func (c *RESTClient) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("remotestore: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("remotestore: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ListPendingCommands fetches every row still in pending status, ordered
// ascending by creation time, used both by the startup sweep and pull
// mode's periodic poll.
func (c *RESTClient) ListPendingCommands(ctx context.Context) ([]CommandRow, error) {
	q := url.Values{"status": {"eq.pending"}, "order": {"created_at.asc"}}
	req, err := c.newRequest(ctx, http.MethodGet, "/commands", q, nil)
	if err != nil {
		return nil, err
	}

	var rows []CommandRow
	if _, err := c.do(req, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ClaimCommand attempts the pending -> processing CAS transition. The
// filter (id=eq.<id>&status=eq.pending) only matches a row still pending,
// so a zero-row response means another consumer already claimed it.
func (c *RESTClient) ClaimCommand(ctx context.Context, id string) (bool, error) {
	q := url.Values{"id": {"eq." + id}, "status": {"eq.pending"}}
	req, err := c.newRequest(ctx, http.MethodPatch, "/commands", q, map[string]any{"status": "processing"})
	if err != nil {
		return false, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []CommandRow
	if _, err := c.do(req, &rows); err != nil {
		return false, err
	}
	return len(rows) == 1, nil
}

// CompleteCommand transitions a claimed command to completed.
func (c *RESTClient) CompleteCommand(ctx context.Context, id string) error {
	q := url.Values{"id": {"eq." + id}}
	now := time.Now()
	req, err := c.newRequest(ctx, http.MethodPatch, "/commands", q, map[string]any{
		"status":       "completed",
		"processed_at": now,
	})
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

// CompleteCoalescedCommand transitions a claimed command straight to
// completed with a coalesced annotation: it was superseded by a newer
// scrubbable command for the same entity and capability before ever
// reaching the device, so there is nothing further to send, but it
// still counts as completed rather than a distinct terminal status.
func (c *RESTClient) CompleteCoalescedCommand(ctx context.Context, id string) error {
	q := url.Values{"id": {"eq." + id}}
	now := time.Now()
	req, err := c.newRequest(ctx, http.MethodPatch, "/commands", q, map[string]any{
		"status":       "completed",
		"processed_at": now,
		"coalesced":    true,
	})
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

// FailCommand transitions a claimed command to failed, recording errMsg.
func (c *RESTClient) FailCommand(ctx context.Context, id string, errMsg string) error {
	q := url.Values{"id": {"eq." + id}}
	now := time.Now()
	req, err := c.newRequest(ctx, http.MethodPatch, "/commands", q, map[string]any{
		"status":       "failed",
		"error":        errMsg,
		"processed_at": now,
	})
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

// UpsertDevice upserts a device row by id.
func (c *RESTClient) UpsertDevice(ctx context.Context, d *entity.Device) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/devices", nil, deviceRow(d))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	_, err = c.do(req, nil)
	return err
}

func deviceRow(d *entity.Device) map[string]any {
	return map[string]any{
		"id":         d.ID,
		"protocol":   d.Protocol,
		"ip_address": d.Address,
		"last_seen":  d.HealthLastSeen,
	}
}

// UpsertState upserts entity_state by entity_id.
func (c *RESTClient) UpsertState(ctx context.Context, s *entity.State) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/entity_state", nil, map[string]any{
		"entity_id":  s.EntityID,
		"value":      s.Value,
		"attrs":      s.Attrs,
		"updated_at": s.UpdatedAt,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	_, err = c.do(req, nil)
	return err
}

// AppendHistory appends an entity_state_history row; this table is
// append-only, so it's always a plain insert.
func (c *RESTClient) AppendHistory(ctx context.Context, rec entity.HistoryRecord) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/entity_state_history", nil, map[string]any{
		"entity_id": rec.EntityID,
		"ts":        rec.Timestamp,
		"value":     rec.Value,
		"attrs":     rec.Attrs,
	})
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

// Heartbeat upserts this hub's liveness row.
func (c *RESTClient) Heartbeat(ctx context.Context, hubID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/hubs", nil, map[string]any{
		"id":        hubID,
		"last_seen": time.Now(),
		"online":    true,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates")
	_, err = c.do(req, nil)
	return err
}
