package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-tenant-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-tenant-gateway/internal/logctx"
	"github.com/ggoodman/mcp-tenant-gateway/mcp"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

// handlePostBearer handles POST /{tenantId}.
func (h *Handler) handlePostBearer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenantId")

	id, ok := h.authenticateBearer(ctx, w, r)
	if !ok {
		return
	}
	h.handlePost(withTenantData(ctx, tenantID, id, variantBearer), w, r, tenantID, id)
}

// handlePostOAuth handles POST /mcp/{tenantId}.
func (h *Handler) handlePostOAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("tenantId")

	id, ok := h.authenticateOAuth(ctx, w, r, tenantID)
	if !ok {
		return
	}
	h.handlePost(withTenantData(ctx, tenantID, id, variantOAuth), w, r, tenantID, id)
}

func (h *Handler) handlePost(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, id tenant.Identity) {
	start := time.Now()
	h.log.InfoContext(ctx, "http.post.start")

	defer func() {
		if p := recover(); p != nil {
			h.log.ErrorContext(ctx, "http.post.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, msgInternalError)
		}
	}()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	tc := h.bindTenant(ctx, w, tenantID, id)
	if tc == nil {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "http.body.too_large")
		return
	}

	req, err := jsonrpc.DecodeRequest(body)
	if errors.Is(err, jsonrpc.ErrNotRequest) {
		// Responses to server requests are not expected; acknowledge and drop.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored")
		return
	}
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "Parse error")
		h.log.WarnContext(ctx, "jsonrpc.parse.fail", slog.String("err", err.Error()))
		return
	}

	method := mcp.Method(req.Method).Canonical()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: string(method), ID: req.ID.String(), Type: rpcType(req)})

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		if method != mcp.InitializeMethod {
			writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgNoValidSession)
			h.log.WarnContext(ctx, "session.id.missing")
			return
		}
		h.handleInitialize(ctx, w, r, tc, req)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	tr, err := h.registry.ResolveForTenant(sessionID, tenantID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeServerError, msgNoValidSession)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: tr.ID(), ProtocolVersion: tr.ProtocolVersion()})

	if method == mcp.InitializeMethod {
		writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidRequest, msgAlreadyInitialized)
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	tr.Touch(h.now())
	if tr.ObserveToolset(tc.Fingerprint()) {
		h.log.InfoContext(ctx, "session.tools.list_changed")
	}

	h.handleSessionMessage(ctx, w, r, tr, tc, method, req)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize creates a session. A concurrent initialize from the same
// client while this one is in flight gets 202 with a placeholder result.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, tc *tenant.Context, req *jsonrpc.Request) {
	if req.IsNotification() {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: initialize requires an id")
		return
	}

	key := sessions.ClientKey(r)
	release, ok := h.dedup.TryBegin(key)
	if !ok {
		h.log.InfoContext(ctx, "session.initialize.duplicate")
		h.writeResult(ctx, w, r, http.StatusAccepted, req.ID, h.placeholderInitializeResult())
		return
	}
	defer release()

	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			h.log.WarnContext(ctx, "session.initialize.params_invalid", slog.String("err", err.Error()))
		}
	}
	pv := mcp.NegotiateProtocolVersion(params.ProtocolVersion)

	tr := h.registry.Create(tc.TenantID(), sessions.WithOnEnd(release))
	tr.ObserveToolset(tc.Fingerprint())
	tr.MarkInitialized(pv)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: tr.ID(), ProtocolVersion: pv})
	h.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
	)

	w.Header().Set(mcpSessionIDHeader, tr.ID())
	w.Header().Set(mcpProtocolVersionHeader, pv)
	h.writeResult(ctx, w, r, http.StatusOK, req.ID, &mcp.InitializeResult{
		ProtocolVersion: pv,
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ListChangedCapability{ListChanged: true},
		},
		ServerInfo: h.serverInfo,
	})
}

func (h *Handler) placeholderInitializeResult() *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ListChangedCapability{},
			Resources: &mcp.ListChangedCapability{},
			Prompts:   &mcp.ListChangedCapability{},
		},
		ServerInfo: h.serverInfo,
	}
}

// handleSessionMessage answers a request or notification on an established
// session.
func (h *Handler) handleSessionMessage(ctx context.Context, w http.ResponseWriter, r *http.Request, tr *sessions.Transport, tc *tenant.Context, method mcp.Method, req *jsonrpc.Request) {
	if pv := tr.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}

	if req.IsNotification() {
		switch method {
		case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		default:
			h.log.DebugContext(ctx, "notification.inbound.unhandled")
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok")
		return
	}

	switch method {
	case mcp.PingMethod:
		h.writeResult(ctx, w, r, http.StatusOK, req.ID, mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		h.writeResult(ctx, w, r, http.StatusOK, req.ID, h.dispatcher.ListTools(tc))

	case mcp.ToolsCallMethod:
		var params mcp.CallToolRequestReceived
		if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.Name == "" {
			writeRPCError(w, http.StatusOK, req.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid params: tool name is required")
			h.log.WarnContext(ctx, "rpc.params.invalid")
			return
		}
		// Tool calls outlive the session: closing the transport does not
		// cancel work already handed to the executor.
		h.writeResult(ctx, w, r, http.StatusOK, req.ID, h.dispatcher.CallTool(ctx, tc, params))

	default:
		writeRPCError(w, http.StatusOK, req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
		h.log.InfoContext(ctx, "rpc.method.unknown")
	}
}

// writeResult renders a JSON-RPC result as JSON, or as a single SSE event
// when the client only accepts event streams.
func (h *Handler) writeResult(ctx context.Context, w http.ResponseWriter, r *http.Request, status int, id *jsonrpc.RequestID, result any) {
	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, id, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	if r.Header.Get("Accept") != "" {
		if mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes); err == nil && mt.Matches(eventStreamMediaType) {
			b, err := json.Marshal(res)
			if err != nil {
				h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
				return
			}
			w.Header().Set("Content-Type", eventStreamMediaType.String())
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(status)
			if err := writeSSEEvent(w, "", b); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
	writeJSON(w, status, res)
}

func rpcType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}
