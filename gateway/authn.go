package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/internal/logctx"
	"github.com/ggoodman/mcp-tenant-gateway/oauth"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
)

const (
	variantBearer = "bearer"
	variantOAuth  = "oauth"
)

// bearerToken extracts the token of an "Authorization: Bearer" header. Any
// other scheme counts as no token.
func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get(authorizationHeader))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(tok), true
}

// authenticateBearer checks a platform bearer token. On failure it writes the
// response and returns ok=false.
func (h *Handler) authenticateBearer(ctx context.Context, w http.ResponseWriter, r *http.Request) (tenant.Identity, bool) {
	tok, present := bearerToken(r)
	if !present {
		h.log.InfoContext(ctx, "auth.check.missing")
		writeAuthFailure(w, "No token provided", "Access token is required")
		return tenant.Identity{}, false
	}

	info, err := h.bearer.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		} else {
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		}
		writeAuthFailure(w, "Invalid token", "Token is invalid or expired")
		return tenant.Identity{}, false
	}
	return tenant.Identity{UserID: info.UserID(), Token: tok}, true
}

// authenticateOAuth checks an OAuth access token issued for tenantID and
// resolves the tenant's end-user credential.
func (h *Handler) authenticateOAuth(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string) (tenant.Identity, bool) {
	prm := h.baseURL(r) + "/.well-known/oauth-protected-resource/mcp/" + tenantID

	tok, present := bearerToken(r)
	if !present || tok == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		auth.NewAuthenticationRequired(prm).Write(w)
		oauth.ErrInvalidToken.WithDescription("access token is required").Write(w)
		return tenant.Identity{}, false
	}

	grant, err := h.oauth.Authenticate(ctx, tok, tenantID)
	switch {
	case err == nil:
		return tenant.Identity{Token: grant.UserToken}, true
	case errors.Is(err, oauth.ErrNoUserCredential):
		h.log.InfoContext(ctx, "auth.check.no_credential")
		auth.NewInvalidTokenChallenge(prm, "complete OAuth flow first").Write(w)
		oauth.ErrInvalidToken.WithDescription("complete OAuth flow first").Write(w)
	case errors.Is(err, oauth.ErrInvalidToken):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		auth.NewInvalidTokenChallenge(prm, "token is invalid or expired").Write(w)
		oauth.ErrInvalidToken.WithDescription("token is invalid or expired").Write(w)
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternalError)
	}
	return tenant.Identity{}, false
}

// authenticateChannel guards the session channel with the same check as the
// protocol route it belongs to: OAuth on /mcp/{tenantId} when OAuth is served,
// the platform bearer token otherwise.
func (h *Handler) authenticateChannel(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if tenantID := r.PathValue("tenantId"); tenantID != "" && h.oauth != nil {
		_, ok := h.authenticateOAuth(ctx, w, r, tenantID)
		return ok
	}
	_, ok := h.authenticateBearer(ctx, w, r)
	return ok
}

// bindTenant resolves the request's tenant. On failure it writes the
// response and returns nil.
func (h *Handler) bindTenant(ctx context.Context, w http.ResponseWriter, tenantID string, id tenant.Identity) *tenant.Context {
	tc, err := h.binder.Bind(ctx, tenantID, id)
	switch {
	case err == nil:
		return tc
	case errors.Is(err, tenant.ErrTenantNotFound):
		h.log.InfoContext(ctx, "tenant.bind.miss")
		writeJSONError(w, http.StatusNotFound, "Server not found")
	case errors.Is(err, tenant.ErrNoTools):
		h.log.InfoContext(ctx, "tenant.bind.no_tools")
		writeJSONError(w, http.StatusNotFound, "No tools configured for this server")
	case errors.Is(err, tenant.ErrForbidden):
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.InfoContext(ctx, "tenant.bind.canceled")
	default:
		h.log.ErrorContext(ctx, "tenant.bind.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternalError)
	}
	return nil
}

func withTenantData(ctx context.Context, tenantID string, id tenant.Identity, variant string) context.Context {
	return logctx.WithTenantData(ctx, &logctx.TenantData{TenantID: tenantID, UserID: id.UserID, Variant: variant})
}
