// ABOUTME: CLI verbs for the approval queue: list, approve, deny.
// ABOUTME: No flags lists pending; --approve/--deny resolve one entry.

package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newApproveCmd(flags *rootFlags) *cobra.Command {
	var approveID, denyID, reason string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "List pending approvals or resolve one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := apiClient(flags)
			if err != nil {
				return err
			}

			if approveID != "" && denyID != "" {
				return fmt.Errorf("use either --approve or --deny, not both")
			}

			if id := approveID; id != "" {
				resolved, err := cl.Respond(cmd.Context(), id, true, reason)
				if err != nil {
					return err
				}
				color.New(color.FgGreen).Printf("  ✓ approved %s\n", resolved.ID)
				return nil
			}
			if id := denyID; id != "" {
				resolved, err := cl.Respond(cmd.Context(), id, false, reason)
				if err != nil {
					return err
				}
				color.New(color.FgYellow).Printf("  ✗ denied %s\n", resolved.ID)
				return nil
			}

			pending, err := cl.PendingApprovals(cmd.Context(), "")
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending approvals")
				return nil
			}
			for _, a := range pending {
				fmt.Printf("  %s  agent=%s  [%s]  %s", a.ID, a.AgentID, a.Category, a.Description)
				if a.Amount != nil {
					fmt.Printf("  $%.2f %s", *a.Amount, a.Currency)
				}
				fmt.Printf("  expires in %s\n", time.Until(a.ExpiresAt).Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&approveID, "approve", "", "approve the given request id")
	cmd.Flags().StringVar(&denyID, "deny", "", "deny the given request id")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason recorded with the decision")
	return cmd
}
