// ABOUTME: Cobra root command and mode detection for the moltagent binary.
// ABOUTME: Worker mode via MOLTAGENT_MANIFEST, orchestrator via token/flag, else help.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rudycelekli/moltbot/internal/client"
	"github.com/rudycelekli/moltbot/internal/config"
)

const banner = `
                  _ _                         _
  _ __ ___   ___ | | |_ __ _  __ _  ___ _ __ | |_
 | '_ ' _ \ / _ \| | __/ _' |/ _' |/ _ \ '_ \| __|
 | | | | | | (_) | | || (_| | (_| |  __/ | | | |_
 |_| |_| |_|\___/|_|\__\__,_|\__, |\___|_| |_|\__|
                             |___/
`

// rootFlags are shared across subcommands.
type rootFlags struct {
	configPath string
	serverURL  string
}

func defaultConfigPath() string {
	if envPath := os.Getenv("MOLTAGENT_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "moltagent.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "moltagent", "moltagent.yaml")
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "moltagent",
		Short: "MoltAgent control plane and worker runtime",
		Long: "moltagent provisions autonomous agent workers onto VPS instances,\n" +
			"tracks the fleet, and gates sensitive actions behind human approvals.\n\n" +
			"With MOLTAGENT_MANIFEST set the binary runs as a worker; with an API\n" +
			"token configured (or MOLTAGENT_CONTROL_PLANE=1) it runs the control\n" +
			"plane. Both set means hybrid: worker and control plane in one process.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			workerManifest := config.WorkerManifestPath()
			orchestrate := cfg.OrchestratorEnabled()

			switch {
			case workerManifest != "" && orchestrate:
				return runHybrid(cmd.Context(), cfg, workerManifest)
			case workerManifest != "":
				return runWorker(cmd.Context(), cfg, workerManifest)
			case orchestrate:
				return runServe(cmd.Context(), cfg)
			default:
				return cmd.Help()
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "path to the orchestrator config file")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", "http://localhost:18791", "management surface base URL")

	root.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newProvisionCmd(flags),
		newListCmd(flags),
		newDestroyCmd(flags),
		newStatusCmd(flags),
		newValidateCmd(),
		newApproveCmd(flags),
		newTokenCmd(flags),
		newVersionCmd(),
	)
	return root
}

// apiClient builds the management-surface client for CLI verbs.
func apiClient(flags *rootFlags) (*client.Client, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no API token configured (set auth.token or MOLTAGENT_API_TOKEN)")
	}
	return client.New(flags.serverURL, cfg.Auth.Token), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the moltagent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
