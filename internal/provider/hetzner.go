// ABOUTME: Hetzner-like cloud backend over a bearer-token JSON REST API.
// ABOUTME: Passes the bootstrap script as user-data and labels instances for this system.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// HetznerName is the registry name of the cloud backend.
const HetznerName = "hetzner"

// DefaultHetznerBaseURL is the production API endpoint.
const DefaultHetznerBaseURL = "https://api.hetzner.cloud/v1"

// Hetzner talks to a Hetzner-compatible cloud API. Requests are rate-limited
// client-side; the API enforces its own hourly budget.
type Hetzner struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHetzner creates the cloud backend. baseURL may be empty for production.
func NewHetzner(token, baseURL string, logger *slog.Logger) *Hetzner {
	if baseURL == "" {
		baseURL = DefaultHetznerBaseURL
	}
	return &Hetzner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		logger:  logger,
	}
}

// Name implements Provider.
func (h *Hetzner) Name() string { return HetznerName }

// hetznerServer is the subset of the API's server object this system reads.
type hetznerServer struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`

	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
		IPv6 struct {
			IP string `json:"ip"`
		} `json:"ipv6"`
	} `json:"public_net"`
	ServerType struct {
		Name string `json:"name"`
	} `json:"server_type"`
	Datacenter struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
	} `json:"datacenter"`
	Created time.Time         `json:"created"`
	Labels  map[string]string `json:"labels"`
}

// Create implements Provider by POSTing a server with the bootstrap script
// as user-data and start_after_create set.
func (h *Hetzner) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	m := req.Manifest
	body := map[string]any{
		"name":        "moltagent-" + m.ShortID(),
		"server_type": m.Resources.ServerType,
		"location":    m.Resources.Region,
		"image":       "ubuntu-24.04",
		"user_data":   req.BootstrapScript,
		"labels": map[string]string{
			LabelSelector: "true",
			"agent-id":    m.Identity.ID,
			"owner-id":    m.Identity.OwnerID,
		},
		"start_after_create": true,
	}
	if len(req.SSHKeyIDs) > 0 {
		body["ssh_keys"] = req.SSHKeyIDs
	}

	var resp struct {
		Server hetznerServer `json:"server"`
	}
	if err := h.do(ctx, http.MethodPost, "/servers", body, &resp); err != nil {
		return nil, err
	}

	inst := h.toInstance(&resp.Server)
	inst.AgentID = m.Identity.ID
	h.logger.Info("cloud server created",
		"instance_id", inst.ID,
		"agent_id", inst.AgentID,
		"server_type", inst.ServerType,
		"region", inst.Region,
	)
	return inst, nil
}

// EnsureSSHKey uploads the provisioning public key and returns its id. A
// conflict means the key already exists; it is then resolved by name.
func (h *Hetzner) EnsureSSHKey(ctx context.Context, name, publicKey string) (string, error) {
	var created struct {
		SSHKey struct {
			ID int64 `json:"id"`
		} `json:"ssh_key"`
	}
	err := h.do(ctx, http.MethodPost, "/ssh_keys", map[string]any{
		"name":       name,
		"public_key": publicKey,
		"labels":     map[string]string{LabelSelector: "true"},
	}, &created)
	if err == nil {
		return fmt.Sprintf("%d", created.SSHKey.ID), nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || (apiErr.StatusCode != http.StatusConflict && apiErr.StatusCode != http.StatusUnprocessableEntity) {
		return "", err
	}

	var existing struct {
		SSHKeys []struct {
			ID int64 `json:"id"`
		} `json:"ssh_keys"`
	}
	if err := h.do(ctx, http.MethodGet, "/ssh_keys?name="+url.QueryEscape(name), nil, &existing); err != nil {
		return "", err
	}
	if len(existing.SSHKeys) == 0 {
		return "", fmt.Errorf("ssh key %q rejected but not found: %w", name, err)
	}
	return fmt.Sprintf("%d", existing.SSHKeys[0].ID), nil
}

// Destroy implements Provider.
func (h *Hetzner) Destroy(ctx context.Context, instanceID string) error {
	err := h.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(instanceID), nil, nil)
	if err != nil {
		return err
	}
	h.logger.Info("cloud server destroyed", "instance_id", instanceID)
	return nil
}

// Status implements Provider.
func (h *Hetzner) Status(ctx context.Context, instanceID string) (*Instance, error) {
	var resp struct {
		Server hetznerServer `json:"server"`
	}
	err := h.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(instanceID), nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return h.toInstance(&resp.Server), nil
}

// List implements Provider, filtering to instances labeled for this system.
func (h *Hetzner) List(ctx context.Context) ([]*Instance, error) {
	var resp struct {
		Servers []hetznerServer `json:"servers"`
	}
	path := "/servers?label_selector=" + url.QueryEscape(LabelSelector+"=true")
	if err := h.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(resp.Servers))
	for i := range resp.Servers {
		out = append(out, h.toInstance(&resp.Servers[i]))
	}
	return out, nil
}

// toInstance maps the provider's server object into the common shape.
func (h *Hetzner) toInstance(s *hetznerServer) *Instance {
	return &Instance{
		ID:         fmt.Sprintf("%d", s.ID),
		Provider:   HetznerName,
		Status:     mapHetznerStatus(s.Status),
		PublicIPv4: s.PublicNet.IPv4.IP,
		PublicIPv6: s.PublicNet.IPv6.IP,
		ServerType: s.ServerType.Name,
		Region:     s.Datacenter.Location.Name,
		CreatedAt:  s.Created,
		AgentID:    s.Labels["agent-id"],
		Metadata: map[string]any{
			"name":   s.Name,
			"labels": s.Labels,
		},
	}
}

// mapHetznerStatus folds provider lifecycle states into the common variant.
func mapHetznerStatus(s string) Status {
	switch s {
	case "initializing", "starting":
		return StatusCreating
	case "running":
		return StatusRunning
	case "stopping":
		return StatusStopping
	case "off":
		return StatusStopped
	default:
		return StatusError
	}
}

// do performs one API round trip. Non-2xx responses surface the upstream
// status and body; nothing is retried here.
func (h *Hetzner) do(ctx context.Context, method, path string, body, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Provider: HetznerName, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
