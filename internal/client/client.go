// ABOUTME: HTTP client for the moltagent management surface.
// ABOUTME: Thin front-end used by the CLI; idempotent reads retry with backoff.

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
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/rudycelekli/moltbot/internal/approval"
	"github.com/rudycelekli/moltbot/internal/fleet"
	"github.com/rudycelekli/moltbot/internal/provider"
)

// APIError carries a non-2xx response from the management surface.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to one control plane's management surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL (scheme://host:port) and token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// get performs a GET with retry; reads are idempotent so transient failures
// back off and try again.
func (c *Client) get(ctx context.Context, path string, out any) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
	return r.Do(func() error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// do performs one request. Writes are never retried; the caller decides.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/moltagent"+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Health checks liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Overview returns the fleet and approval summaries.
func (c *Client) Overview(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.get(ctx, "/dashboard/overview", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentSummary mirrors the dashboard list projection.
type AgentSummary struct {
	AgentID      string           `json:"agentId"`
	Name         string           `json:"name"`
	Connection   fleet.Connection `json:"connection"`
	InstanceID   string           `json:"instanceId"`
	Status       string           `json:"status"`
	TotalActions int64            `json:"totalActions"`
	TotalSpend   float64          `json:"totalSpend"`
}

// ListAgents returns every agent summary.
func (c *Client) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	var out struct {
		Agents []AgentSummary `json:"agents"`
	}
	if err := c.get(ctx, "/dashboard/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateAgentResult is the provisioning outcome.
type CreateAgentResult struct {
	AgentID  string             `json:"agentId"`
	Instance *provider.Instance `json:"instance"`
}

// CreateAgent validates, provisions, and registers a manifest document.
func (c *Client) CreateAgent(ctx context.Context, manifestDoc []byte) (*CreateAgentResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/moltagent/dashboard/agents", bytes.NewReader(manifestDoc))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling create agent: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out CreateAgentResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// DeleteAgent shuts the worker down, destroys its VPS, and removes the record.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/dashboard/agents/"+url.PathEscape(agentID), nil, nil)
}

// PendingApprovals lists queued approvals, optionally for one agent.
func (c *Client) PendingApprovals(ctx context.Context, agentID string) ([]approval.Approval, error) {
	path := "/dashboard/approvals"
	if agentID != "" {
		path += "?agentId=" + url.QueryEscape(agentID)
	}
	var out struct {
		Approvals []approval.Approval `json:"approvals"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// ApprovalHistory returns a page of resolved and expired approvals.
func (c *Client) ApprovalHistory(ctx context.Context, limit, offset int) ([]approval.Approval, error) {
	path := "/dashboard/approvals/history?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var out struct {
		History []approval.Approval `json:"history"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Respond resolves a pending approval.
func (c *Client) Respond(ctx context.Context, approvalID string, approved bool, reason string) (*approval.Approval, error) {
	var out approval.Approval
	err := c.do(ctx, http.MethodPost, "/dashboard/approvals/"+url.PathEscape(approvalID)+"/respond",
		map[string]any{"approved": approved, "reason": reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
