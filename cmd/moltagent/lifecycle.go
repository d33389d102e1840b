// ABOUTME: CLI verbs for worker lifecycle: provision, list, destroy, status, validate.
// ABOUTME: Thin front-ends over the management surface's HTTP API.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rudycelekli/moltbot/internal/config"
	"github.com/rudycelekli/moltbot/internal/manifest"
)

func newProvisionCmd(flags *rootFlags) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "provision <manifest-path>",
		Short: "Validate a manifest and deploy a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading manifest: %w", err)
			}

			// Validate locally first so schema errors never reach the wire.
			m, err := manifest.Parse(data)
			if err != nil {
				return err
			}
			if providerName != "" {
				m.Resources.Provider = providerName
			}
			doc, err := m.JSON()
			if err != nil {
				return err
			}

			cl, err := apiClient(flags)
			if err != nil {
				return err
			}
			result, err := cl.CreateAgent(cmd.Context(), doc)
			if err != nil {
				return err
			}

			green := color.New(color.FgGreen)
			green.Printf("  ✓ Provisioned %s\n", m.Identity.Name)
			fmt.Printf("  Agent ID:  %s\n", result.AgentID)
			if result.Instance != nil {
				fmt.Printf("  Instance:  %s (%s)\n", result.Instance.ID, result.Instance.Provider)
				if result.Instance.PublicIPv4 != "" {
					fmt.Printf("  IPv4:      %s\n", result.Instance.PublicIPv4)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "override the manifest's provider")
	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every agent in the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(flags)
			if err != nil {
				return err
			}
			agents, err := cl.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents deployed")
				return nil
			}

			green := color.New(color.FgGreen)
			gray := color.New(color.FgHiBlack)
			for _, a := range agents {
				marker := gray
				if a.Connection == "online" {
					marker = green
				}
				marker.Printf("  ● ")
				fmt.Printf("%-24s %s  %s  actions=%d spend=$%.2f\n",
					a.Name, a.AgentID, a.Connection, a.TotalActions, a.TotalSpend)
			}
			return nil
		},
	}
}

func newDestroyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <agent-id>",
		Short: "Shut down a worker and destroy its VPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := cl.DeleteAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("destroyed %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker or fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Worker mode prints its own manifest identity.
			if path := config.WorkerManifestPath(); path != "" {
				m, err := loadWorkerManifest(path)
				if err != nil {
					return err
				}
				fmt.Printf("worker %s (%s)\n", m.Identity.Name, m.Identity.ID)
				fmt.Printf("control plane: %s\n", m.ControlPlane.URL)
				return nil
			}

			cl, err := apiClient(flags)
			if err != nil {
				return err
			}
			overview, err := cl.Overview(cmd.Context())
			if err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(overview, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest-path>",
		Short: "Validate a manifest without deploying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading manifest: %w", err)
			}

			result := manifest.SafeParse(data)
			if !result.OK {
				red := color.New(color.FgRed)
				red.Println("manifest is invalid:")
				for _, issue := range result.Issues {
					fmt.Printf("  %s: %s\n", issue.Path, issue.Message)
				}
				return fmt.Errorf("%d validation issue(s)", len(result.Issues))
			}

			green := color.New(color.FgGreen)
			green.Printf("  ✓ valid manifest for %s (%s)\n",
				result.Manifest.Identity.Name, result.Manifest.Identity.ID)
			return nil
		},
	}
}
