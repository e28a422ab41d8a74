package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/auth/authtest"
	"github.com/ggoodman/mcp-tenant-gateway/dispatch"
	"github.com/ggoodman/mcp-tenant-gateway/executor"
	"github.com/ggoodman/mcp-tenant-gateway/internal/jwtauth"
	"github.com/ggoodman/mcp-tenant-gateway/oauth"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
	"github.com/ggoodman/mcp-tenant-gateway/storage/memory"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

const (
	ownerID  = "user-1"
	tenantID = "tenant123"
)

type harness struct {
	t       *testing.T
	ts      *httptest.Server
	handler *Handler
	store   *tenant.StaticStore
	oauth   *oauth.Server
	bearer  *auth.BearerAuthenticator
	token   string

	mu        sync.Mutex
	lastIdent tenant.Identity
}

func tool(t *testing.T, id, name string) tenant.ToolDescriptor {
	t.Helper()
	td, err := tenant.NewToolDescriptor(id, ownerID,
		json.RawMessage(`{"name":"`+name+`","description":"test tool","inputSchema":{"type":"object"}}`),
		tenant.Backend{Kind: tenant.BackendExecute})
	if err != nil {
		t.Fatalf("tool descriptor: %v", err)
	}
	return td
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{t: t}
	h.store = tenant.NewStaticStore(
		tenant.Tenant{ID: tenantID, OwnerID: ownerID, Tools: []tenant.ToolDescriptor{tool(t, "tool-1", "echoTool")}},
		tenant.Tenant{ID: "other", OwnerID: ownerID, Tools: []tenant.ToolDescriptor{tool(t, "tool-2", "otherTool")}},
		tenant.Tenant{ID: "foreign", OwnerID: "someone-else", Tools: []tenant.ToolDescriptor{tool(t, "tool-3", "x")}},
		tenant.Tenant{ID: "empty", OwnerID: ownerID},
	)

	exec := executor.ExecutorFunc(func(ctx context.Context, td tenant.ToolDescriptor, args json.RawMessage, id tenant.Identity) (json.RawMessage, error) {
		h.mu.Lock()
		h.lastIdent = id
		h.mu.Unlock()

		var in struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &in)
		return json.Marshal(map[string]string{"tool": td.Name, "echo": in.Message})
	})

	var err error
	h.bearer, err = auth.NewBearerAuthenticator([]byte("slootai"))
	if err != nil {
		t.Fatalf("bearer: %v", err)
	}
	h.token, err = h.bearer.Mint(ownerID)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	kv, err := memory.New(1024, memory.WithDurableNamespaces(oauth.DurableNamespaces()...))
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	keys, err := jwtauth.NewHMAC([]byte("oauth-secret"))
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	h.oauth, err = oauth.NewServer(kv, keys, oauth.WithLoginURL("https://login.example/consent"))
	if err != nil {
		t.Fatalf("oauth: %v", err)
	}

	registry := sessions.NewRegistry()
	h.handler, err = New(registry, tenant.NewBinder(h.store), dispatch.New(exec), h.bearer,
		append([]Option{WithOAuth(h.oauth), WithKeepAlive(50 * time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	h.ts = httptest.NewServer(h.handler)
	t.Cleanup(h.ts.Close)
	t.Cleanup(registry.CloseAll)
	return h
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *harness) post(path, token, session, body string, header ...string) (*http.Response, rpcReply) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session != "" {
		req.Header.Set(mcpSessionIDHeader, session)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	var reply rpcReply
	_ = json.Unmarshal(raw, &reply)
	return res, reply
}

func (h *harness) initialize(path, token string) string {
	h.t.Helper()
	res, reply := h.post(path, token, "", `{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	if res.StatusCode != http.StatusOK {
		h.t.Fatalf("initialize status = %d", res.StatusCode)
	}
	if reply.Error != nil {
		h.t.Fatalf("initialize error: %+v", reply.Error)
	}
	sid := res.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		h.t.Fatalf("initialize returned no session id")
	}
	return sid
}

// channel sends a GET or DELETE to the session channel at path. An empty
// authorization sends no Authorization header.
func (h *harness) channel(method, path, authorization, session string) (*http.Response, string) {
	h.t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, nil)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if session != "" {
		req.Header.Set(mcpSessionIDHeader, session)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, strings.TrimSpace(string(body))
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func TestBearerHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	res, reply := h.post("/"+tenantID, h.token, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", res.StatusCode)
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(reply.Result, &init); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if init.ProtocolVersion != "2025-06-18" || init.ServerInfo.Name != "sloot-mcp-server" {
		t.Fatalf("initialize result = %s", reply.Result)
	}
	sid := res.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		t.Fatalf("no session id")
	}

	res, reply = h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"list_tools","id":2}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", res.StatusCode)
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(reply.Result, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echoTool" {
		t.Fatalf("tools = %s", reply.Result)
	}

	res, reply = h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"call_tool","id":3,"params":{"name":"echoTool","arguments":{"message":"hi"}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call status = %d", res.StatusCode)
	}
	var call toolResult
	if err := json.Unmarshal(reply.Result, &call); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.IsError || len(call.Content) != 1 {
		t.Fatalf("call result = %s", reply.Result)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(call.Content[0].Text), &out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if out["echo"] != "hi" || out["tool"] != "echoTool" {
		t.Fatalf("tool output = %v", out)
	}

	h.mu.Lock()
	ident := h.lastIdent
	h.mu.Unlock()
	if ident.UserID != ownerID || ident.Token != h.token {
		t.Fatalf("executor identity = %+v", ident)
	}
}

func TestUnknownToolIsInBand(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	res, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/call","id":2,"params":{"name":"doesNotExist","arguments":{}}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var call toolResult
	_ = json.Unmarshal(reply.Result, &call)
	if !call.IsError || len(call.Content) == 0 || !strings.Contains(call.Content[0].Text, "Tool not found") {
		t.Fatalf("result = %s", reply.Result)
	}
}

func TestGetWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		for _, sid := range []string{"", "not-a-session"} {
			res, body := h.channel(method, "/", "Bearer "+h.token, sid)
			if res.StatusCode != http.StatusBadRequest || body != "Invalid or missing session ID" {
				t.Fatalf("%s sid %q: %d %q", method, sid, res.StatusCode, body)
			}
		}
	}
}

func TestSessionChannelRequiresToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	other, _ := auth.NewBearerAuthenticator([]byte("not-slootai"))
	forged, _ := other.Mint(ownerID)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		for _, authz := range []string{"", "Basic " + h.token, "Bearer " + forged} {
			res, _ := h.channel(method, "/", authz, sid)
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("%s with %q: status = %d", method, authz, res.StatusCode)
			}
		}
	}

	// The session survived the rejected deletes.
	if _, err := h.handler.Registry().Resolve(sid); err != nil {
		t.Fatalf("session removed by unauthenticated request: %v", err)
	}
}

func TestRequestWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	for _, sid := range []string{"", "not-a-session"} {
		res, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/list","id":7}`)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("sid %q: status = %d", sid, res.StatusCode)
		}
		if reply.Error == nil || reply.Error.Code != -32000 || reply.Error.Message != "Bad Request: No valid session ID provided" {
			t.Fatalf("sid %q: error = %+v", sid, reply.Error)
		}
		if string(reply.ID) != "null" {
			t.Fatalf("sid %q: id = %s", sid, reply.ID)
		}
	}
}

func TestBearerAuthFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	check := func(token, wantErr string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/"+tenantID, strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1}`))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer res.Body.Close()
		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(res.Body).Decode(&body)
		if res.StatusCode != http.StatusUnauthorized || body.Success || body.Error != wantErr {
			t.Fatalf("token %q: %d %+v", token, res.StatusCode, body)
		}
	}

	check("", "No token provided")
	check("garbage", "Invalid token")

	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/"+tenantID, strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+h.token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var basic struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&basic)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized || basic.Error != "No token provided" {
		t.Fatalf("basic scheme = %d %+v", res.StatusCode, basic)
	}

	other, _ := auth.NewBearerAuthenticator([]byte("not-slootai"))
	forged, _ := other.Mint(ownerID)
	check(forged, "Invalid token")
}

func TestTenantBindingErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	body := `{"jsonrpc":"2.0","method":"initialize","id":1}`

	cases := []struct {
		tenant string
		status int
		msg    string
	}{
		{"missing", http.StatusNotFound, "Server not found"},
		{"empty", http.StatusNotFound, "No tools configured for this server"},
		{"foreign", http.StatusUnauthorized, "Unauthorized"},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/"+tc.tenant, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+h.token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		var out struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&out)
		res.Body.Close()
		if res.StatusCode != tc.status || out.Error.Message != tc.msg {
			t.Fatalf("%s: %d %q", tc.tenant, res.StatusCode, out.Error.Message)
		}
	}
}

func TestUnsupportedContentType(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodPost, h.ts.URL+"/"+tenantID, strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+h.token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestDuplicateInitializeGetsPlaceholder(t *testing.T) {
	t.Parallel()

	dedup := sessions.NewDeduper()
	h := newHarness(t, WithDeduper(dedup))

	release, ok := dedup.TryBegin("key:client-42")
	if !ok {
		t.Fatalf("begin failed")
	}

	body := `{"jsonrpc":"2.0","method":"initialize","id":9}`
	res, reply := h.post("/"+tenantID, h.token, "", body, idempotencyKeyHeader, "client-42")
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate status = %d", res.StatusCode)
	}
	if res.Header.Get(mcpSessionIDHeader) != "" {
		t.Fatalf("duplicate initialize must not create a session")
	}
	var placeholder struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    map[string]json.RawMessage `json:"capabilities"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(reply.Result, &placeholder); err != nil {
		t.Fatalf("decode placeholder: %v", err)
	}
	if placeholder.ProtocolVersion != "2025-06-18" || placeholder.ServerInfo.Name != "sloot-mcp-server" || placeholder.ServerInfo.Version != "1.0.0" {
		t.Fatalf("placeholder = %s", reply.Result)
	}
	for _, k := range []string{"tools", "resources", "prompts"} {
		if _, ok := placeholder.Capabilities[k]; !ok {
			t.Fatalf("placeholder missing %s capability: %s", k, reply.Result)
		}
	}
	if string(reply.ID) != "9" {
		t.Fatalf("placeholder id = %s", reply.ID)
	}

	release()

	res, _ = h.post("/"+tenantID, h.token, "", body, idempotencyKeyHeader, "client-42")
	if res.StatusCode != http.StatusOK || res.Header.Get(mcpSessionIDHeader) == "" {
		t.Fatalf("initialize after release = %d", res.StatusCode)
	}
	if dedup.Pending("key:client-42") {
		t.Fatalf("successful initialize left the key pending")
	}
}

func TestInitializeOnExistingSessionRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	res, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"initialize","id":2}`)
	if res.StatusCode != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != -32600 {
		t.Fatalf("re-initialize = %d %+v", res.StatusCode, reply.Error)
	}
}

func TestNotificationAndPing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	res, _ := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification status = %d", res.StatusCode)
	}

	res, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"ping","id":"p1"}`)
	if res.StatusCode != http.StatusOK || reply.Error != nil || string(reply.Result) != "{}" {
		t.Fatalf("ping = %d %s %+v", res.StatusCode, reply.Result, reply.Error)
	}

	_, reply = h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"resources/list","id":3}`)
	if reply.Error == nil || reply.Error.Code != -32601 {
		t.Fatalf("unknown method error = %+v", reply.Error)
	}

	_, reply = h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/call","id":4,"params":{}}`)
	if reply.Error == nil || reply.Error.Code != -32602 {
		t.Fatalf("invalid params error = %+v", reply.Error)
	}
}

func TestSessionPinnedToTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	res, reply := h.post("/other", h.token, sid, `{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	if res.StatusCode != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != -32000 {
		t.Fatalf("cross-tenant session = %d %+v", res.StatusCode, reply.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	req, _ := http.NewRequest(http.MethodDelete, h.ts.URL+"/", nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set(mcpSessionIDHeader, sid)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", res.StatusCode)
	}

	res, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	if res.StatusCode != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != -32000 {
		t.Fatalf("post after delete = %d %+v", res.StatusCode, reply.Error)
	}

	req, _ = http.NewRequest(http.MethodDelete, h.ts.URL+"/", nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set(mcpSessionIDHeader, sid)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("second delete status = %d", res.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.initialize("/"+tenantID, h.token)
	h.initialize("/"+tenantID, h.token)

	res, err := http.Get(h.ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Status         string `json:"status"`
		Timestamp      string `json:"timestamp"`
		ActiveSessions int    `json:"activeSessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.ActiveSessions != 2 {
		t.Fatalf("health = %+v", body)
	}
	if _, err := time.Parse(time.RFC3339Nano, body.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", body.Timestamp, err)
	}
}

func TestCORSExposesSessionHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	req, _ := http.NewRequest(http.MethodOptions, h.ts.URL+"/"+tenantID, nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,mcp-session-id")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight allow-origin = %q", res.Header.Get("Access-Control-Allow-Origin"))
	}

	res, _ = h.post("/"+tenantID, h.token, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`, "Origin", "https://app.example")
	if !strings.Contains(strings.ToLower(res.Header.Get("Access-Control-Expose-Headers")), "mcp-session-id") {
		t.Fatalf("expose headers = %q", res.Header.Get("Access-Control-Expose-Headers"))
	}
}

func TestListChangedStreamedOnToolsetChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	h.store.Put(tenant.Tenant{ID: tenantID, OwnerID: ownerID, Tools: []tenant.ToolDescriptor{
		tool(t, "tool-1", "echoTool"),
		tool(t, "tool-9", "newTool"),
	}})

	_, reply := h.post("/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/list","id":2}`)
	if !strings.Contains(string(reply.Result), "newTool") {
		t.Fatalf("list after change = %s", reply.Result)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set(mcpSessionIDHeader, sid)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stream = %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}

	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var n struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal([]byte(data), &n); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if n.Method != "notifications/tools/list_changed" {
				t.Fatalf("event method = %q", n.Method)
			}
			return
		}
	}
	t.Fatalf("stream ended without list_changed: %v", sc.Err())
}

func TestStreamEndsWhenSessionDeleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sid := h.initialize("/"+tenantID, h.token)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+"/", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set(mcpSessionIDHeader, sid)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", res.StatusCode)
	}

	tr, err := h.handler.Registry().Resolve(sid)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr.Close()

	if _, err := io.ReadAll(res.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
}

func TestOAuthRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	// Register.
	res, err := noRedirect.Post(h.ts.URL+"/register", "application/json", strings.NewReader(`{"client_name":"it","redirect_uris":["https://app.example/cb"]}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var client struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	_ = json.NewDecoder(res.Body).Decode(&client)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", res.StatusCode)
	}

	// Authorize.
	verifier := "round-trip-verifier-0123456789-abcdefghijklmnopqrstuvwxyz"
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://app.example/cb"},
		"state":                 {"s1"},
		"code_challenge":        {oauth.S256Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"tenantId":              {tenantID},
	}
	res, err = noRedirect.Get(h.ts.URL + "/authorize?" + q.Encode())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d", res.StatusCode)
	}
	loc, _ := url.Parse(res.Header.Get("Location"))
	code := loc.Query().Get("code")

	// An access token before the callback has no linked credential.
	res, err = noRedirect.PostForm(h.ts.URL+"/oauth/callback", url.Values{"auth_code": {code}, "user_token": {"end-user-cred"}, "tenantId": {tenantID}})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d", res.StatusCode)
	}

	// Token.
	res, err = noRedirect.PostForm(h.ts.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {client.ClientID},
		"client_secret": {client.ClientSecret},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
	})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	var tok oauth.TokenResponse
	_ = json.NewDecoder(res.Body).Decode(&tok)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || tok.AccessToken == "" || tok.TokenType != "Bearer" || tok.ExpiresIn != 3600 {
		t.Fatalf("token = %d %+v", res.StatusCode, tok)
	}

	// Protocol calls on the OAuth route act with the stored credential.
	sid := h.initialize("/mcp/"+tenantID, tok.AccessToken)
	res, reply := h.post("/mcp/"+tenantID, tok.AccessToken, sid, `{"jsonrpc":"2.0","method":"tools/call","id":2,"params":{"name":"echoTool","arguments":{"message":"via oauth"}}}`)
	if res.StatusCode != http.StatusOK || reply.Error != nil {
		t.Fatalf("call = %d %+v", res.StatusCode, reply.Error)
	}
	h.mu.Lock()
	ident := h.lastIdent
	h.mu.Unlock()
	if ident.Token != "end-user-cred" || ident.UserID != ownerID {
		t.Fatalf("executor identity = %+v", ident)
	}

	// Platform bearer tokens are not OAuth access tokens.
	res, _ = h.post("/mcp/"+tenantID, h.token, sid, `{"jsonrpc":"2.0","method":"tools/list","id":3}`)
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(res.Header.Get("WWW-Authenticate"), "resource_metadata=") {
		t.Fatalf("bearer on oauth route = %d %q", res.StatusCode, res.Header.Get("WWW-Authenticate"))
	}

	// Access token for one tenant cannot be used on another.
	res, _ = h.post("/mcp/other", tok.AccessToken, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("cross-tenant access token = %d", res.StatusCode)
	}

	// The tenant's session channel takes the same access token.
	for _, authz := range []string{"", "Bearer " + h.token} {
		if res, _ := h.channel(http.MethodDelete, "/mcp/"+tenantID, authz, sid); res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("channel delete with %q = %d", authz, res.StatusCode)
		}
	}
	if res, body := h.channel(http.MethodGet, "/mcp/"+tenantID, "Bearer "+tok.AccessToken, "unknown"); res.StatusCode != http.StatusBadRequest || body != "Invalid or missing session ID" {
		t.Fatalf("channel unknown session = %d %q", res.StatusCode, body)
	}
	if res, _ := h.channel(http.MethodDelete, "/mcp/"+tenantID, "Bearer "+tok.AccessToken, sid); res.StatusCode != http.StatusOK {
		t.Fatalf("channel delete = %d", res.StatusCode)
	}
}

func TestOAuthRequiresCallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	access, err := h.oauth.Tokens().IssueAccess("client-x", tenantID, oauth.DefaultScope)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, _ := h.post("/mcp/"+tenantID, access, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}

	res, _ = h.post("/mcp/"+tenantID, "", "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if res.StatusCode != http.StatusUnauthorized || res.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("missing token = %d %q", res.StatusCode, res.Header.Get("WWW-Authenticate"))
	}
}

func TestConcurrentTenantsIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sidA := h.initialize("/"+tenantID, h.token)
	sidB := h.initialize("/other", h.token)

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, sid, want, not := "/"+tenantID, sidA, "echoTool", "otherTool"
			if i%2 == 1 {
				path, sid, want, not = "/other", sidB, "otherTool", "echoTool"
			}
			req, _ := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+h.token)
			req.Header.Set(mcpSessionIDHeader, sid)
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err.Error()
				return
			}
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			if !strings.Contains(string(body), want) || strings.Contains(string(body), not) {
				errs <- path + ": " + string(body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("isolation violated: %s", e)
	}
}

func TestCustomAuthenticator(t *testing.T) {
	t.Parallel()

	store := tenant.NewStaticStore(tenant.Tenant{ID: tenantID, OwnerID: ownerID, Tools: []tenant.ToolDescriptor{tool(t, "tool-1", "echoTool")}})
	exec := executor.ExecutorFunc(func(context.Context, tenant.ToolDescriptor, json.RawMessage, tenant.Identity) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	staticAuth := authtest.NewStaticAuth(map[string]string{"owner-token": ownerID})
	staticAuth.Add("intruder-token", "someone-else")

	h, err := New(sessions.NewRegistry(), tenant.NewBinder(store), dispatch.New(exec), staticAuth)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	status := func(token string) int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/"+tenantID, strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		res.Body.Close()
		return res.StatusCode
	}

	if got := status("owner-token"); got != http.StatusOK {
		t.Fatalf("owner status = %d", got)
	}
	if got := status("intruder-token"); got != http.StatusUnauthorized {
		t.Fatalf("non-owner status = %d", got)
	}
	if got := status("unknown"); got != http.StatusUnauthorized {
		t.Fatalf("unknown token status = %d", got)
	}

	res, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("oauth metadata without oauth = %d", res.StatusCode)
	}
}
