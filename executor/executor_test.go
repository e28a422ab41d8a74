package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

func TestServiceExecutorPostsToolIDAndPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("unexpected auth %q", got)
		}
		var body struct {
			ToolID  string          `json:"toolId"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.ToolID != "tool-1" || string(body.Payload) != `{"message":"hi"}` {
			t.Errorf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"echo":"hi"}`)
	}))
	defer srv.Close()

	ex := NewServiceExecutor(srv.URL + "/")
	res, err := ex.Execute(t.Context(), tenant.ToolDescriptor{ID: "tool-1", Name: "echoTool"}, json.RawMessage(`{"message":"hi"}`), tenant.Identity{Token: "user-token"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `{"echo":"hi"}` {
		t.Fatalf("unexpected result %s", res)
	}
}

func TestServiceExecutorSurfacesUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewServiceExecutor(srv.URL).Execute(t.Context(), tenant.ToolDescriptor{ID: "x"}, nil, tenant.Identity{})
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusTooManyRequests || !strings.Contains(ue.Body, "quota") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestRESTProxyStripsToolIDAndUsesToolToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer api-secret" {
			t.Errorf("unexpected auth %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["tool_id"]; ok {
			t.Errorf("tool_id must be stripped")
		}
		if body["q"] != "weather" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = io.WriteString(w, "plain text answer")
	}))
	defer srv.Close()

	tool := tenant.ToolDescriptor{ID: "t", Backend: tenant.Backend{Kind: tenant.BackendREST, URL: srv.URL, Token: "api-secret"}}
	res, err := NewRESTProxy().Execute(t.Context(), tool, json.RawMessage(`{"q":"weather","tool_id":"t"}`), tenant.Identity{Token: "ignored"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `"plain text answer"` {
		t.Fatalf("non-JSON body should be wrapped as a string, got %s", res)
	}
}

func TestRESTProxyRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRESTProxy().Execute(t.Context(), tenant.ToolDescriptor{}, nil, tenant.Identity{}); err == nil {
		t.Fatal("expected error without api url")
	}
}

func TestActionRunnerAuthenticatesAndRuns(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"cc-token","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("POST /v1/connect/proj_1/actions/run", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cc-token" {
			t.Errorf("unexpected auth %q", got)
		}
		if got := r.Header.Get("x-pd-environment"); got != "development" {
			t.Errorf("unexpected environment %q", got)
		}
		var body struct {
			ID              string                     `json:"id"`
			ExternalUserID  string                     `json:"external_user_id"`
			ConfiguredProps map[string]json.RawMessage `json:"configured_props"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ID != "slack-send-message" || body.ExternalUserID != "owner-1" {
			t.Errorf("unexpected body %+v", body)
		}
		if string(body.ConfiguredProps["slack"]) != `{"authProvisionId":"apn_1"}` || string(body.ConfiguredProps["text"]) != `"hello"` {
			t.Errorf("unexpected props %v", body.ConfiguredProps)
		}
		_, _ = io.WriteString(w, `{"exports":{},"ret":{"ok":true}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, err := NewActionRunner(t.Context(), ActionConfig{
		BaseURL:      srv.URL,
		ClientID:     "id",
		ClientSecret: "secret",
		ProjectID:    "proj_1",
		Environment:  "development",
	})
	if err != nil {
		t.Fatalf("NewActionRunner: %v", err)
	}

	tool := tenant.ToolDescriptor{
		ID:      "t",
		Name:    "slack-send-message",
		OwnerID: "owner-1",
		Backend: tenant.Backend{Kind: tenant.BackendAction, App: "slack", AuthProvisionID: "apn_1"},
	}
	for range 2 {
		if _, err := r.Execute(t.Context(), tool, json.RawMessage(`{"text":"hello"}`), tenant.Identity{}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Fatalf("expected cached client credentials token, fetched %d times", got)
	}
}

func TestNewActionRunnerValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewActionRunner(t.Context(), ActionConfig{ClientID: "id"}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestRouterSelectsByBackendKind(t *testing.T) {
	t.Parallel()

	hit := ""
	r := NewRouter().
		Handle(tenant.BackendExecute, ExecutorFunc(func(_ context.Context, _ tenant.ToolDescriptor, _ json.RawMessage, _ tenant.Identity) (json.RawMessage, error) {
			hit = "execute"
			return json.RawMessage(`1`), nil
		})).
		Handle(tenant.BackendREST, ExecutorFunc(func(_ context.Context, _ tenant.ToolDescriptor, _ json.RawMessage, _ tenant.Identity) (json.RawMessage, error) {
			hit = "rest"
			return json.RawMessage(`2`), nil
		}))

	if _, err := r.Execute(t.Context(), tenant.ToolDescriptor{}, nil, tenant.Identity{}); err != nil || hit != "execute" {
		t.Fatalf("default kind should route to execute: %v %q", err, hit)
	}
	if _, err := r.Execute(t.Context(), tenant.ToolDescriptor{Backend: tenant.Backend{Kind: tenant.BackendREST}}, nil, tenant.Identity{}); err != nil || hit != "rest" {
		t.Fatalf("rest kind misrouted: %v %q", err, hit)
	}
	if _, err := r.Execute(t.Context(), tenant.ToolDescriptor{Backend: tenant.Backend{Kind: tenant.BackendAction}}, nil, tenant.Identity{}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}
