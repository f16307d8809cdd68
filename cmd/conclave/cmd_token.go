package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/conclave/internal/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("subject", "cli", "token subject")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for the authenticated endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL.Std()
		}

		token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}
