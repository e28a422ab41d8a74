// Package executor performs tool calls on behalf of the dispatcher. Each
// backend kind configured on a tool has an Executor; Router picks one per call.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

// maxResponseBytes bounds how much of an upstream response is read.
const maxResponseBytes = 8 << 20

// ErrNoBackend is returned when no executor handles a tool's backend kind.
var ErrNoBackend = errors.New("executor: no backend for tool")

// Executor performs one tool call. A returned error is a tool-level failure;
// callers surface it in-band rather than failing the protocol exchange.
type Executor interface {
	Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error) {
	return f(ctx, tool, args, identity)
}

// UpstreamError reports a non-success response from a tool backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Router dispatches to the executor registered for a tool's backend kind.
type Router struct {
	backends map[tenant.BackendKind]Executor
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[tenant.BackendKind]Executor)}
}

// Handle registers ex for kind, replacing any previous registration.
func (r *Router) Handle(kind tenant.BackendKind, ex Executor) *Router {
	r.backends[kind] = ex
	return r
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error) {
	kind := tool.Backend.Kind
	if kind == "" {
		kind = tenant.BackendExecute
	}
	ex, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, kind)
	}
	return ex.Execute(ctx, tool, args, identity)
}

// postJSON sends body to url and returns the response as JSON. Non-JSON
// success bodies are wrapped into a JSON string.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`null`), nil
	}
	if json.Valid(raw) {
		return raw, nil
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil, err
	}
	return quoted, nil
}
