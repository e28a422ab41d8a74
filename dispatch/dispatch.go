// Package dispatch answers the two tool operations of the protocol against a
// request-bound tenant.Context.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/executor"
	"github.com/ggoodman/mcp-tenant-gateway/internal/logctx"
	"github.com/ggoodman/mcp-tenant-gateway/mcp"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher lists and calls tools. It holds no per-tenant state; every call
// receives the tenant.Context bound for its request.
type Dispatcher struct {
	exec executor.Executor
	log  *slog.Logger
}

// New creates a Dispatcher delegating calls to exec.
func New(exec executor.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{exec: exec, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ListTools returns the bound schemas verbatim, in configured order.
func (d *Dispatcher) ListTools(tc *tenant.Context) *mcp.ListToolsResult {
	return &mcp.ListToolsResult{Tools: tc.Schemas()}
}

type failure struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// CallTool invokes the named tool. Unknown tools and executor failures are
// reported in-band with IsError set; CallTool itself never fails.
func (d *Dispatcher) CallTool(ctx context.Context, tc *tenant.Context, req mcp.CallToolRequestReceived) (res *mcp.CallToolResult) {
	tool, ok := tc.Lookup(req.Name)
	if !ok {
		d.log.InfoContext(ctx, "tool.call.not_found", slog.String("name", req.Name))
		return &mcp.CallToolResult{
			Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf("Tool not found: %s", req.Name))},
			IsError: true,
		}
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{
		ToolName: tool.Name,
		ToolID:   tool.ID,
		Backend:  string(tool.Backend.Kind),
	})

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "tool.call.panic", slog.Any("panic", r))
			res = errorResult("internal error")
		}
	}()

	out, err := d.exec.Execute(ctx, tool, req.Arguments, tc.Identity())
	if err != nil {
		d.log.WarnContext(ctx, "tool.call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return errorResult(err.Error())
	}

	d.log.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", time.Since(start)))
	text := string(out)
	if len(out) == 0 {
		text = "null"
	}
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

func errorResult(msg string) *mcp.CallToolResult {
	b, _ := json.Marshal(failure{Error: true, Message: msg})
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(string(b))},
		IsError: true,
	}
}
