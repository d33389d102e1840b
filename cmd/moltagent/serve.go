// ABOUTME: The serve command: runs the orchestrator (control plane + API).
// ABOUTME: Hybrid mode additionally runs a local worker in the same process.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rudycelekli/moltbot/internal/config"
	"github.com/rudycelekli/moltbot/internal/orchestrator"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and management surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Token == "" {
				return fmt.Errorf("auth.token is required to serve (or set MOLTAGENT_API_TOKEN)")
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)
	green.Print("    ▶ ")
	fmt.Printf("Control plane: ws://0.0.0.0:%d\n", cfg.Server.ControlPlanePort)
	green.Print("    ▶ ")
	fmt.Printf("Dashboard:     http://%s/moltagent\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Data dir:      %s\n", cfg.Data.Dir)
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	logger.Info("starting moltagent orchestrator",
		"cp_port", cfg.Server.ControlPlanePort,
		"http_addr", cfg.Server.HTTPAddr,
		"data_dir", cfg.Data.Dir,
	)

	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	return o.Run(ctx)
}

// runHybrid runs orchestrator and worker in one process: the worker dials
// the in-process control plane like any remote one.
func runHybrid(ctx context.Context, cfg *config.Config, manifestPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := setupLogger(cfg.Logging)
	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- o.Run(ctx) }()
	go func() { errCh <- runWorkerLoop(ctx, cfg, manifestPath, logger) }()

	err = <-errCh
	stop()
	return err
}
