// ABOUTME: Orchestrates worker VPS lifecycle and owns the live-instance index.
// ABOUTME: Chooses a backend per manifest and shields status reads with a breaker.

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rudycelekli/moltbot/internal/manifest"
	"github.com/rudycelekli/moltbot/internal/provider"
)

// ErrAgentNotProvisioned indicates no live instance is indexed for the agent.
var ErrAgentNotProvisioned = errors.New("agent has no provisioned instance")

// provisionKeyName labels the uploaded provisioning key at the provider.
const provisionKeyName = "moltagent-provision"

// sshKeyUploader is implemented by backends that accept an SSH public key
// ahead of machine creation and hand back the provider-side key id.
type sshKeyUploader interface {
	EnsureSSHKey(ctx context.Context, name, publicKey string) (string, error)
}

// Provisioner owns the index of live instances keyed by agent id. Providers
// own no long-lived state; everything durable lives with their remote APIs.
type Provisioner struct {
	registry        *provider.Registry
	defaultProvider string
	keypair         *Keypair
	breaker         *gobreaker.CircuitBreaker
	logger          *slog.Logger

	mu        sync.RWMutex
	instances map[string]*provider.Instance

	keyMu  sync.Mutex
	keyIDs map[string]string
}

// New creates a provisioner over the given backend registry. keypair is the
// operator's provisioning key, attached to machines on backends that take
// one; nil disables key upload.
func New(registry *provider.Registry, defaultProvider string, keypair *Keypair, logger *slog.Logger) *Provisioner {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider-status",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Provisioner{
		registry:        registry,
		defaultProvider: defaultProvider,
		keypair:         keypair,
		breaker:         breaker,
		logger:          logger,
		instances:       make(map[string]*provider.Instance),
		keyIDs:          make(map[string]string),
	}
}

// Provision creates a machine for the manifest using its resources.provider,
// falling back to the default backend, and indexes the result by agent id.
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest, script string) (*provider.Instance, error) {
	name := m.Resources.Provider
	if name == "" {
		name = p.defaultProvider
	}

	backend, ok := p.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(p.registry.Names(), ", "))
	}

	inst, err := backend.Create(ctx, provider.CreateRequest{
		Manifest:        m,
		BootstrapScript: script,
		SSHKeyIDs:       p.sshKeyIDs(ctx, backend),
	})
	if err != nil {
		return nil, fmt.Errorf("provisioning agent %s: %w", m.Identity.ID, err)
	}

	p.mu.Lock()
	p.instances[m.Identity.ID] = inst
	p.mu.Unlock()

	p.logger.Info("agent provisioned",
		"agent_id", m.Identity.ID,
		"provider", name,
		"instance_id", inst.ID,
	)
	return inst.Clone(), nil
}

// sshKeyIDs uploads the provisioning key to the backend on first use and
// returns its id. Backends without key support, or a provisioner without a
// keypair, get none. Upload failure is not fatal; the machine still boots,
// only operator SSH access is lost.
func (p *Provisioner) sshKeyIDs(ctx context.Context, backend provider.Provider) []string {
	uploader, ok := backend.(sshKeyUploader)
	if !ok || p.keypair == nil {
		return nil
	}

	p.keyMu.Lock()
	defer p.keyMu.Unlock()
	if id, ok := p.keyIDs[backend.Name()]; ok {
		return []string{id}
	}

	id, err := uploader.EnsureSSHKey(ctx, provisionKeyName, p.keypair.AuthorizedKey)
	if err != nil {
		p.logger.Warn("uploading provisioning key failed, continuing without it",
			"provider", backend.Name(),
			"error", err,
		)
		return nil
	}
	p.keyIDs[backend.Name()] = id
	p.logger.Info("provisioning key registered", "provider", backend.Name(), "key_id", id)
	return []string{id}
}

// Destroy tears down the indexed instance for the agent and removes the
// index entry on success.
func (p *Provisioner) Destroy(ctx context.Context, agentID string) error {
	p.mu.RLock()
	inst, ok := p.instances[agentID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("destroying agent %s: %w", agentID, ErrAgentNotProvisioned)
	}

	backend, ok := p.registry.Get(inst.Provider)
	if !ok {
		return fmt.Errorf("destroying agent %s: unknown provider %q", agentID, inst.Provider)
	}

	if err := backend.Destroy(ctx, inst.ID); err != nil {
		return fmt.Errorf("destroying agent %s: %w", agentID, err)
	}

	p.mu.Lock()
	delete(p.instances, agentID)
	p.mu.Unlock()

	p.logger.Info("agent destroyed", "agent_id", agentID, "instance_id", inst.ID)
	return nil
}

// GetStatus returns the live provider view of the agent's instance. When the
// provider is unreachable (or the breaker is open) the last-known snapshot is
// served instead.
func (p *Provisioner) GetStatus(ctx context.Context, agentID string) (*provider.Instance, error) {
	p.mu.RLock()
	inst, ok := p.instances[agentID]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrAgentNotProvisioned
	}

	backend, ok := p.registry.Get(inst.Provider)
	if !ok {
		return inst.Clone(), nil
	}

	result, err := p.breaker.Execute(func() (any, error) {
		return backend.Status(ctx, inst.ID)
	})
	if err != nil {
		if errors.Is(err, provider.ErrInstanceNotFound) {
			return nil, err
		}
		p.logger.Warn("provider status unavailable, serving last-known state",
			"agent_id", agentID,
			"error", err,
		)
		return inst.Clone(), nil
	}

	fresh := result.(*provider.Instance)
	fresh.AgentID = inst.AgentID

	p.mu.Lock()
	p.instances[agentID] = fresh
	p.mu.Unlock()
	return fresh.Clone(), nil
}

// ListInstances returns a snapshot of the index without touching providers.
func (p *Provisioner) ListInstances() map[string]*provider.Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*provider.Instance, len(p.instances))
	for id, inst := range p.instances {
		out[id] = inst.Clone()
	}
	return out
}

// Restore re-indexes an instance loaded from the fleet file so destroy and
// status work across control-plane restarts.
func (p *Provisioner) Restore(agentID string, inst *provider.Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[agentID] = inst.Clone()
}
