package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-tenant-gateway/internal/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Multi-tenant MCP gateway",
		Long: `mcp-gateway exposes each tenant's configured tools as an MCP server
over streamable HTTP. Configuration is read from the environment.`,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)

	root.AddCommand(newServeCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newTenantsCmd())
	return root
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	lv, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lv}

	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}
