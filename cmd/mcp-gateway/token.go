package main

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/internal/config"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a platform bearer token for a user",
		Long: `Mints a bearer token signed with JWT_SECRET. The token authenticates
requests on the /{tenantId} endpoint for tenants owned by the user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := auth.NewBearerAuthenticator([]byte(cfg.JWTSecret))
			if err != nil {
				return err
			}
			tok, err := a.Mint(userID)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	return cmd
}
