package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/internal/config"
	"github.com/ggoodman/mcp-tenant-gateway/tenant/sqlstore"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "user-7"})
	if err := root.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	a, err := auth.NewBearerAuthenticator([]byte("cli-secret"))
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	info, err := a.CheckAuthentication(t.Context(), strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if info.UserID() != "user-7" {
		t.Fatalf("UserID = %q", info.UserID())
	}
}

func TestTokenCommandRequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})
	if err := root.ExecuteContext(t.Context()); err == nil {
		t.Fatalf("expected error without --user")
	}
}

func TestTenantsImport(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TENANT_FILE", "")
	t.Setenv("TENANT_DB_PATH", "")

	dir := t.TempDir()
	file := filepath.Join(dir, "tenants.yaml")
	db := filepath.Join(dir, "tenants.db")
	doc := `tenants:
  - id: tenant123
    owner: user-1
    tools:
      - id: tool-1
        schema:
          name: echoTool
          description: echoes
          inputSchema:
            type: object
`
	if err := os.WriteFile(file, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"tenants", "import", "--file", file, "--db", db})
	if err := root.ExecuteContext(t.Context()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "imported 1 tenants") {
		t.Fatalf("output = %q", out.String())
	}

	store, err := sqlstore.New(db)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	got, err := store.LookupTenant(t.Context(), "tenant123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "echoTool" {
		t.Fatalf("tenant = %+v", got)
	}
}

func TestSigningKeysFallback(t *testing.T) {
	t.Parallel()

	keys, err := signingKeys(&config.Config{JWTSecret: "fallback"})
	if err != nil {
		t.Fatalf("signingKeys: %v", err)
	}
	if keys.Alg() != "HS256" {
		t.Fatalf("Alg = %s", keys.Alg())
	}
	if _, ok := keys.JWKS(); ok {
		t.Fatalf("HMAC keys must not publish a JWKS")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(&config.Config{LogLevel: "warn", LogFormat: "text"}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("log output = %q", buf.String())
	}
}

func TestNewAuthenticator(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{JWTSecret: "s"}
	a, err := newAuthenticator(t.Context(), cfg)
	if err != nil {
		t.Fatalf("newAuthenticator: %v", err)
	}
	if _, ok := a.(*auth.BearerAuthenticator); !ok {
		t.Fatalf("got %T, want platform bearer only", a)
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer jwks.Close()

	cfg.BearerJWKSURL = jwks.URL
	a, err = newAuthenticator(t.Context(), cfg)
	if err != nil {
		t.Fatalf("newAuthenticator with jwks: %v", err)
	}
	chain, ok := a.(auth.Chain)
	if !ok || len(chain) != 2 {
		t.Fatalf("got %T, want two-element chain", a)
	}
}
