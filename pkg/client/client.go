package client

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

	"github.com/droverlabs/drover/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to a running Drover operator API. Zero-value timeouts fall
// back to a sane default; the HTTP client can be replaced for tests.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API at addr ("host:port" or a full URL).
func New(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests and by
// deployments fronting the API with TLS.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Healthy checks the liveness endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// PendingHITL lists items parked for operator review, oldest first.
func (c *Client) PendingHITL(ctx context.Context, tenantID string, limit, offset int) ([]*types.HITLItem, error) {
	path := fmt.Sprintf("/v1/tenants/%s/hitl?limit=%d&offset=%d",
		url.PathEscape(tenantID), limit, offset)
	var resp struct {
		Items []*types.HITLItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Decide posts an operator verdict for a parked task. editedPayload, when
// non-nil with an approval, replaces the committed output.
func (c *Client) Decide(ctx context.Context, tenantID, taskID string, verdict types.HITLVerdict, editedPayload map[string]interface{}, reason string) error {
	path := fmt.Sprintf("/v1/tenants/%s/hitl/%s/decision",
		url.PathEscape(tenantID), url.PathEscape(taskID))
	body := map[string]interface{}{"verdict": verdict}
	if editedPayload != nil {
		body["edited_payload"] = editedPayload
	}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// Summary fetches one tenant's fleet snapshot.
func (c *Client) Summary(ctx context.Context, tenantID string) (*types.FleetSummary, error) {
	var sum types.FleetSummary
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(tenantID)+"/fleet", nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// InjectGoals appends goals to a campaign and returns how many tasks the
// planner produced.
func (c *Client) InjectGoals(ctx context.Context, tenantID, campaignID string, goals []string) (int, error) {
	path := fmt.Sprintf("/v1/tenants/%s/campaigns/%s/goals",
		url.PathEscape(tenantID), url.PathEscape(campaignID))
	var resp struct {
		Planned int `json:"planned_tasks"`
	}
	if err := c.do(ctx, http.MethodPost, path, map[string]interface{}{"goals": goals}, &resp); err != nil {
		return 0, err
	}
	return resp.Planned, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
