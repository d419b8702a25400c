package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/config"
)

var tokenRole string

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("RECORDSYNC_JWT_SECRET is not set")
		}
		verifier := auth.NewVerifier(cfg.Auth.JWTSecret, false)
		token, err := verifier.IssueToken(auth.Actor{ID: args[0], Role: tokenRole})
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role claim (admin, superadmin or empty)")
	rootCmd.AddCommand(tokenCmd)
}
