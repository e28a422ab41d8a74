package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

// HTTPOption configures the HTTP-based executors.
type HTTPOption func(*http.Client)

// WithTimeout bounds each upstream call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *http.Client) { c.Timeout = d }
}

// WithTransport overrides the round tripper.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(c *http.Client) { c.Transport = rt }
}

func newClient(opts []HTTPOption) *http.Client {
	c := &http.Client{Timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServiceExecutor calls the platform tool service's execute endpoint with the
// caller's own credential.
type ServiceExecutor struct {
	endpoint string
	client   *http.Client
}

// NewServiceExecutor targets baseURL + "/tools/execute".
func NewServiceExecutor(baseURL string, opts ...HTTPOption) *ServiceExecutor {
	return &ServiceExecutor{
		endpoint: strings.TrimRight(baseURL, "/") + "/tools/execute",
		client:   newClient(opts),
	}
}

type executeRequest struct {
	ToolID  string          `json:"toolId"`
	Payload json.RawMessage `json:"payload"`
}

// Execute implements Executor.
func (e *ServiceExecutor) Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error) {
	h := http.Header{}
	if identity.Token != "" {
		h.Set("Authorization", "Bearer "+identity.Token)
	}
	return postJSON(ctx, e.client, e.endpoint, h, executeRequest{ToolID: tool.ID, Payload: orEmptyObject(args)})
}

// RESTProxy forwards calls to the API a user connected for a tool, using the
// token stored with that tool.
type RESTProxy struct {
	client *http.Client
}

// NewRESTProxy creates a RESTProxy.
func NewRESTProxy(opts ...HTTPOption) *RESTProxy {
	return &RESTProxy{client: newClient(opts)}
}

// Execute implements Executor. A "tool_id" argument is stripped before
// forwarding.
func (p *RESTProxy) Execute(ctx context.Context, tool tenant.ToolDescriptor, args json.RawMessage, identity tenant.Identity) (json.RawMessage, error) {
	if tool.Backend.URL == "" {
		return nil, errors.New("tool has no api url configured")
	}

	payload := map[string]json.RawMessage{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, errors.New("tool arguments must be a JSON object")
		}
	}
	delete(payload, "tool_id")

	h := http.Header{}
	if tool.Backend.Token != "" {
		h.Set("Authorization", "Bearer "+tool.Backend.Token)
	}
	return postJSON(ctx, p.client, tool.Backend.URL, h, payload)
}

func orEmptyObject(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || string(args) == "null" {
		return json.RawMessage(`{}`)
	}
	return args
}
