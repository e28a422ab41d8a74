package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ggoodman/mcp-tenant-gateway/internal/config"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
	"github.com/ggoodman/mcp-tenant-gateway/tenant/filestore"
	"github.com/ggoodman/mcp-tenant-gateway/tenant/sqlstore"
	"github.com/spf13/cobra"
)

func newTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage the SQLite tenant store",
	}
	cmd.AddCommand(newTenantsImportCmd())
	return cmd
}

func newTenantsImportCmd() *cobra.Command {
	var file, dbPath string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert tenants from a YAML tenant file into the SQLite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.TenantDBPath
			}
			if dbPath == "" {
				return errors.New("--db or TENANT_DB_PATH is required")
			}

			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			tenants, err := filestore.Parse(raw)
			if err != nil {
				return err
			}

			store, err := sqlstore.New(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for _, t := range tenants {
				if err := store.UpsertTenant(cmd.Context(), t); err != nil {
					return fmt.Errorf("tenant %s: %w", t.ID, err)
				}
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "imported %d tenants into %s\n", len(tenants), dbPath); err != nil {
				return err
			}

			// Running gateways pick the change up on the next request; with
			// Redis they are also told right away.
			if cfg.RedisAddr == "" {
				return nil
			}
			rdb, err := openRedis(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			bus, err := newBroker(cfg, rdb)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(tenants))
			for _, t := range tenants {
				ids = append(ids, t.ID)
			}
			return sessions.PublishToolsetChanged(cmd.Context(), bus, ids...)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML tenant file to import")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (defaults to TENANT_DB_PATH)")
	return cmd
}
