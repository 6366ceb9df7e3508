package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hookrelay/internal/platform/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the history API",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if org == "" {
			return fmt.Errorf("--org is required")
		}

		token, err := auth.NewTokenService(cfg.JWT).GenerateToken(subject, org, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("org", "", "organization the token is scoped to")
	tokenCmd.Flags().String("subject", "relayctl", "token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
