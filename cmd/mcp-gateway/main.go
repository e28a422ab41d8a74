// Command mcp-gateway serves tenant toolsets over the MCP streamable HTTP
// transport.
package main

import (
	"context"
	"os"
)

// version can be set during build with -ldflags.
var version = "dev"

func main() {
	root := newRootCmd()
	root.Version = version
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
