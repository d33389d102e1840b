// ABOUTME: CLI verb for minting operator JWTs signed with the shared token.
// ABOUTME: Gives dashboard calls per-operator attribution on approvals.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rudycelekli/moltbot/internal/api"
	"github.com/rudycelekli/moltbot/internal/config"
)

func newTokenCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator token management",
	}
	cmd.AddCommand(newTokenCreateCmd(flags))
	return cmd
}

func newTokenCreateCmd(flags *rootFlags) *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an operator JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Token == "" {
				return fmt.Errorf("no API token configured (set auth.token or MOLTAGENT_API_TOKEN)")
			}
			token, err := api.MintOperatorToken(cfg.Auth.Token, operator, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name recorded as respondedBy")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
