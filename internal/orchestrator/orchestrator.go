// ABOUTME: Composition root wiring the control plane, fleet, approvals, and providers.
// ABOUTME: Owns startup/shutdown order and the callback cycle between managers.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rudycelekli/moltbot/internal/api"
	"github.com/rudycelekli/moltbot/internal/approval"
	"github.com/rudycelekli/moltbot/internal/config"
	"github.com/rudycelekli/moltbot/internal/fleet"
	"github.com/rudycelekli/moltbot/internal/provider"
	"github.com/rudycelekli/moltbot/internal/provision"
	"github.com/rudycelekli/moltbot/internal/server"
)

// Orchestrator runs the control plane as a standalone server: the WebSocket
// listener for workers plus the HTTP management surface.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	archive     *fleet.Archive
	fleet       *fleet.Manager
	approvals   *approval.Manager
	plane       *server.Server
	registry    *provider.Registry
	provisioner *provision.Provisioner
	metrics     *server.Metrics
	httpSrv     *http.Server
}

// New assembles every component. The approval manager's constructor takes no
// server reference; the response-relay callback is wired here to break the
// cycle.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	o := &Orchestrator{cfg: cfg, logger: logger}

	archive, err := fleet.OpenArchive(cfg.ArchiveFilePath())
	if err != nil {
		logger.Warn("action archive unavailable", "error", err)
	} else {
		o.archive = archive
	}

	o.fleet, err = fleet.NewManager(cfg.FleetFilePath(), o.archive, logger)
	if err != nil {
		return nil, fmt.Errorf("opening fleet registry: %w", err)
	}

	o.approvals = approval.NewManager(logger)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		o.metrics = server.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	o.plane = server.New(cfg.Auth.Token, o.fleet, o.approvals, o.metrics, logger)

	o.registry = provider.NewRegistry()
	o.registry.Register(provider.NewDocker(logger))
	if cfg.Providers.Hetzner.Token != "" {
		o.registry.Register(provider.NewHetzner(cfg.Providers.Hetzner.Token, cfg.Providers.Hetzner.BaseURL, logger))
	}

	keypair, err := provision.LoadOrCreateKeypair(filepath.Join(cfg.Data.Dir, "ssh"), "moltagent-provision")
	if err != nil {
		logger.Warn("provisioning keypair unavailable", "error", err)
		keypair = nil
	}

	o.provisioner = provision.New(o.registry, cfg.Providers.Default, keypair, logger)
	for agentID, rec := range o.fleet.List() {
		o.provisioner.Restore(agentID, rec.Instance)
	}

	// Every resolution, including expiry, relays a response to the worker.
	o.approvals.SetOnResolved(func(a *approval.Approval) {
		approved := a.State == approval.StateApproved
		reason := a.Reason
		if a.State == approval.StateExpired {
			reason = "approval expired"
		}
		delivered := o.plane.SendApprovalResponse(a.AgentID, a.ID, approved, reason)
		if !delivered {
			logger.Warn("approval response not delivered, agent offline",
				"approval_id", a.ID, "agent_id", a.AgentID)
		}
		if o.metrics != nil {
			o.metrics.ApprovalsResolved.WithLabelValues(string(a.State)).Inc()
		}
	})
	o.approvals.SetOnNewApproval(func(a *approval.Approval) {
		logger.Info("approval awaiting operator",
			"approval_id", a.ID, "agent_id", a.AgentID, "category", a.Category)
	})

	apiSurface := api.New(cfg.Auth.Token, o.fleet, o.approvals, o.plane, o.provisioner, metricsHandler, logger)
	o.httpSrv = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: apiSurface.Router(),
	}

	return o, nil
}

// Run serves until the context is cancelled, then shuts everything down in
// dependency order.
func (o *Orchestrator) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		o.logger.Info("control plane listening", "addr", o.cfg.ControlPlaneAddr())
		if err := o.plane.ListenAndServe(o.cfg.ControlPlaneAddr()); err != nil {
			errCh <- fmt.Errorf("control plane listener: %w", err)
		}
	}()
	go func() {
		o.logger.Info("management surface listening", "addr", o.cfg.Server.HTTPAddr)
		if err := o.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	o.shutdown()
	return runErr
}

// shutdown tears components down: stop ingress, close sessions, then flush
// state.
func (o *Orchestrator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = o.httpSrv.Shutdown(shutdownCtx)

	o.plane.Close()
	o.approvals.Close()
	if err := o.fleet.Close(); err != nil {
		o.logger.Error("flushing fleet state", "error", err)
	}
	if o.archive != nil {
		_ = o.archive.Close()
	}
	o.logger.Info("orchestrator stopped")
}
