package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/dispatch"
	"github.com/ggoodman/mcp-tenant-gateway/internal/logctx"
	"github.com/ggoodman/mcp-tenant-gateway/mcp"
	"github.com/ggoodman/mcp-tenant-gateway/oauth"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	idempotencyKeyHeader     = "Idempotency-Key"

	defaultMaxBodyBytes = 4 << 20
	defaultKeepAlive    = 25 * time.Second
)

// DefaultServerInfo is reported in initialize results.
var DefaultServerInfo = mcp.ImplementationInfo{Name: "sloot-mcp-server", Version: "1.0.0"}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Records are decorated with request, tenant,
// session and rpc data from the request context.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithOAuth enables the OAuth variant and mounts the authorization server
// endpoints.
func WithOAuth(srv *oauth.Server) Option {
	return func(h *Handler) { h.oauth = srv }
}

// WithPublicURL sets the externally visible base URL used in metadata
// documents and authentication challenges.
func WithPublicURL(u string) Option {
	return func(h *Handler) { h.publicURL = strings.TrimRight(u, "/") }
}

// WithServerInfo overrides DefaultServerInfo.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// WithDeduper supplies the initialize deduper, e.g. to share it across
// handlers.
func WithDeduper(d *sessions.Deduper) Option {
	return func(h *Handler) { h.dedup = d }
}

// WithMaxBodyBytes caps the size of POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// WithKeepAlive sets the interval of SSE keepalive comments on the session
// channel.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	root http.Handler
	log  *slog.Logger

	registry   *sessions.Registry
	dedup      *sessions.Deduper
	binder     *tenant.Binder
	dispatcher *dispatch.Dispatcher
	bearer     auth.Authenticator
	oauth      *oauth.Server

	publicURL    string
	serverInfo   mcp.ImplementationInfo
	maxBodyBytes int64
	keepAlive    time.Duration
	now          func() time.Time
}

// New builds the gateway handler. bearer authenticates the path-tenant
// variant and is required.
func New(registry *sessions.Registry, binder *tenant.Binder, dispatcher *dispatch.Dispatcher, bearer auth.Authenticator, opts ...Option) (*Handler, error) {
	if registry == nil || binder == nil || dispatcher == nil {
		return nil, errors.New("registry, binder and dispatcher are required")
	}
	if bearer == nil {
		return nil, errors.New("bearer authenticator is required")
	}

	h := &Handler{
		log:          slog.Default(),
		registry:     registry,
		binder:       binder,
		dispatcher:   dispatcher,
		bearer:       bearer,
		serverInfo:   DefaultServerInfo,
		maxBodyBytes: defaultMaxBodyBytes,
		keepAlive:    defaultKeepAlive,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dedup == nil {
		h.dedup = sessions.NewDeduper()
	}
	if h.publicURL != "" {
		if _, err := url.Parse(h.publicURL); err != nil {
			return nil, fmt.Errorf("invalid public URL %q: %w", h.publicURL, err)
		}
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("POST /{tenantId}", h.handlePostBearer)
	mux.HandleFunc("GET /{$}", h.handleGetSession)
	mux.HandleFunc("DELETE /{$}", h.handleDeleteSession)

	if h.oauth != nil {
		mux.HandleFunc("POST /mcp/{tenantId}", h.handlePostOAuth)
		mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp/{tenantId}", h.handleProtectedResourceMetadata)
		h.oauth.Register(mux)
	}
	mux.HandleFunc("GET /mcp/{tenantId}", h.handleGetSession)
	mux.HandleFunc("DELETE /mcp/{tenantId}", h.handleDeleteSession)

	h.root = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", authorizationHeader, mcpSessionIDHeader, mcpProtocolVersionHeader, idempotencyKeyHeader, "Last-Event-ID"},
		ExposedHeaders: []string{mcpSessionIDHeader, mcpProtocolVersionHeader, "WWW-Authenticate"},
		MaxAge:         600,
	}).Handler(mux)

	return h, nil
}

// Registry returns the session registry the handler serves.
func (h *Handler) Registry() *sessions.Registry { return h.registry }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
