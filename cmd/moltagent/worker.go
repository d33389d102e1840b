// ABOUTME: Worker mode: runs the bridge against the configured control plane.
// ABOUTME: Ships heartbeats and periodic status reports until told to stop.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudycelekli/moltbot/internal/bridge"
	"github.com/rudycelekli/moltbot/internal/config"
	"github.com/rudycelekli/moltbot/internal/manifest"
	"github.com/rudycelekli/moltbot/internal/protocol"
)

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run as a worker (normally entered via MOLTAGENT_MANIFEST)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			path := manifestPath
			if path == "" {
				path = config.WorkerManifestPath()
			}
			if path == "" {
				return fmt.Errorf("worker mode needs a manifest (--manifest or MOLTAGENT_MANIFEST)")
			}
			return runWorker(cmd.Context(), cfg, path)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the worker manifest")
	return cmd
}

func loadWorkerManifest(path string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

func runWorker(ctx context.Context, cfg *config.Config, manifestPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runWorkerLoop(ctx, cfg, manifestPath, setupLogger(cfg.Logging))
}

func runWorkerLoop(ctx context.Context, _ *config.Config, manifestPath string, logger *slog.Logger) error {
	m, err := loadWorkerManifest(manifestPath)
	if err != nil {
		return err
	}

	b, err := bridge.New(m, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer b.Close()

	started := time.Now()
	go reportStatusLoop(ctx, b, m, started)

	logger.Info("worker starting",
		"agent_id", m.Identity.ID,
		"control_plane", m.ControlPlane.URL,
	)
	return b.Run(ctx)
}

// reportStatusLoop sends a status snapshot at the manifest's cadence.
func reportStatusLoop(ctx context.Context, b *bridge.Bridge, m *manifest.Manifest, started time.Time) {
	interval := time.Duration(m.ControlPlane.StatusReportIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			_ = b.SendStatus(protocol.StatusReport{
				State:     protocol.StateRunning,
				UptimeSec: int64(time.Since(started).Seconds()),
				MemoryMB:  float64(mem.Alloc) / (1 << 20),
			})
		case <-ctx.Done():
			return
		}
	}
}
