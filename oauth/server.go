package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-tenant-gateway/internal/jwtauth"
	"github.com/ggoodman/mcp-tenant-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-tenant-gateway/storage"
)

// DefaultScope is granted when an authorization request names none.
const DefaultScope = "mcp"

const maxFormBytes = 1 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLoginURL sets the external login and consent page /authorize
// redirects to. It is required.
func WithLoginURL(u string) ServerOption {
	return func(s *Server) { s.loginURL = u }
}

// WithIssuerURL sets the public base URL used as issuer and for metadata.
// When unset it is derived from each request.
func WithIssuerURL(u string) ServerOption {
	return func(s *Server) { s.issuerURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithClock overrides time.Now across the server and its stores.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// Server is the OAuth authorization server.
type Server struct {
	clients *ClientRegistry
	codes   *CodeStore
	tokens  *TokenIssuer
	users   *UserTokenStore
	keys    *jwtauth.Keys

	loginURL  string
	issuerURL string
	log       *slog.Logger
	now       func() time.Time
}

// NewServer wires the OAuth state machine over store, signing with keys.
func NewServer(store storage.Storage, keys *jwtauth.Keys, opts ...ServerOption) (*Server, error) {
	s := &Server{keys: keys, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if store == nil || keys == nil {
		return nil, errors.New("oauth: storage and signing keys are required")
	}
	if s.loginURL == "" {
		return nil, errors.New("oauth: login URL is required")
	}
	if _, err := url.Parse(s.loginURL); err != nil {
		return nil, fmt.Errorf("oauth: invalid login URL: %w", err)
	}

	s.clients = NewClientRegistry(store)
	s.clients.now = s.now
	s.codes = NewCodeStore(store)
	s.codes.now = s.now
	s.users = NewUserTokenStore(store)

	var issuerOpts []IssuerOption
	issuerOpts = append(issuerOpts, WithIssuerClock(s.now))
	if s.issuerURL != "" {
		issuerOpts = append(issuerOpts, WithIssuer(s.issuerURL))
	}
	s.tokens = NewTokenIssuer(keys, issuerOpts...)
	return s, nil
}

// Clients returns the client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }

// Codes returns the authorization code store.
func (s *Server) Codes() *CodeStore { return s.codes }

// Tokens returns the token issuer.
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

// UserTokens returns the end-user credential store.
func (s *Server) UserTokens() *UserTokenStore { return s.users }

// Register mounts the authorization server endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("POST /oauth/callback", s.handleCallback)
}

// Grant is the result of authenticating an OAuth access token.
type Grant struct {
	ClientID string
	TenantID string
	Scope    string
	// UserToken is the end-user credential recorded for the tenant.
	UserToken string
}

// Authenticate verifies an access token presented for tenantID and resolves
// the end-user credential bound to the token's tenant. An empty tenantID
// skips the tenant match.
func (s *Server) Authenticate(ctx context.Context, tok, tenantID string) (*Grant, error) {
	claims, err := s.tokens.VerifyAccess(tok)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if tenantID != "" && claims.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	cred, err := s.users.Get(ctx, claims.TenantID)
	if err != nil {
		return nil, err
	}
	return &Grant{ClientID: claims.ClientID, TenantID: claims.TenantID, Scope: claims.Scope, UserToken: cred}, nil
}

func (s *Server) baseURL(r *http.Request) string {
	if s.issuerURL != "" {
		return s.issuerURL
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

// Metadata returns the RFC 8414 document for base.
func (s *Server) Metadata(base string) wellknown.AuthServerMetadata {
	md := wellknown.AuthServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		ScopesSupported:                   []string{DefaultScope},
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodClientSecretPost, AuthMethodClientSecretBasic, AuthMethodNone},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
	}
	if _, ok := s.keys.JWKS(); ok {
		md.JwksURI = base + "/.well-known/jwks.json"
	}
	return md
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metadata(s.baseURL(r)))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, ok := s.keys.JWKS()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegistrationRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		ErrInvalidClientMetadata.WithDescription("request body too large").Write(w)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			ErrInvalidClientMetadata.WithDescription("malformed client metadata").Write(w)
			return
		}
	}

	c, secret, err := s.clients.Register(ctx, req)
	if err != nil {
		s.log.ErrorContext(ctx, "oauth.register.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}
	s.log.InfoContext(ctx, "oauth.register.ok", slog.String("client_id", c.ID), slog.String("client_name", c.Name))

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                c.ID,
		ClientSecret:            secret,
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
	})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	responseType := q.Get("response_type")
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	tenantID := q.Get("tenantId")
	scope := q.Get("scope")
	if scope == "" {
		scope = DefaultScope
	}

	for _, p := range [][2]string{
		{"response_type", responseType},
		{"client_id", clientID},
		{"redirect_uri", redirectURI},
		{"state", state},
		{"code_challenge", challenge},
		{"code_challenge_method", method},
		{"tenantId", tenantID},
	} {
		if p[1] == "" {
			ErrInvalidRequest.WithDescription("missing " + p[0]).Write(w)
			return
		}
	}
	if responseType != ResponseTypeCode {
		ErrUnsupportedResponseType.WithDescription("response_type must be code").Write(w)
		return
	}
	if method != CodeChallengeMethodS256 {
		ErrInvalidRequest.WithDescription("code_challenge_method must be S256").Write(w)
		return
	}

	client, err := s.clients.Get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		ErrInvalidRequest.WithDescription("unknown client_id").Write(w)
		return
	}
	if err != nil {
		s.log.ErrorContext(ctx, "oauth.authorize.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}
	if !client.AllowsRedirect(redirectURI) {
		ErrInvalidRequest.WithDescription("redirect_uri not registered for client").Write(w)
		return
	}

	code, exp, err := s.tokens.IssueCode(clientID, tenantID, scope)
	if err != nil {
		s.log.ErrorContext(ctx, "oauth.authorize.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}
	if err := s.codes.Save(ctx, &AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		TenantID:            tenantID,
		CreatedAt:           s.now(),
		ExpiresAt:           exp,
	}); err != nil {
		s.log.ErrorContext(ctx, "oauth.authorize.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}

	login, _ := url.Parse(s.loginURL)
	lq := login.Query()
	lq.Set("code", code)
	lq.Set("client_id", clientID)
	lq.Set("redirect_uri", redirectURI)
	lq.Set("state", state)
	lq.Set("tenantId", tenantID)
	login.RawQuery = lq.Encode()

	s.log.InfoContext(ctx, "oauth.authorize.ok", slog.String("client_id", clientID), slog.String("tenant_id", tenantID))
	http.Redirect(w, r, login.String(), http.StatusFound)
}

type callbackRequest struct {
	AuthCode  string `json:"auth_code"`
	UserToken string `json:"user_token"`
	TenantID  string `json:"tenantId"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req callbackRequest
	if ct, err := contenttype.GetMediaType(r); err == nil && ct.Matches(jsonMediaType) {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&req); err != nil {
			ErrInvalidRequest.WithDescription("malformed body").Write(w)
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			ErrInvalidRequest.WithDescription("malformed body").Write(w)
			return
		}
		req = callbackRequest{
			AuthCode:  r.PostForm.Get("auth_code"),
			UserToken: r.PostForm.Get("user_token"),
			TenantID:  r.PostForm.Get("tenantId"),
		}
	}
	if req.AuthCode == "" || req.UserToken == "" || req.TenantID == "" {
		ErrInvalidRequest.WithDescription("auth_code, user_token and tenantId are required").Write(w)
		return
	}

	claims, err := s.tokens.VerifyCode(req.AuthCode)
	if err != nil {
		s.log.WarnContext(ctx, "oauth.callback.invalid_grant", slog.String("err", err.Error()))
		ErrInvalidGrant.WithDescription("authorization code is invalid or expired").Write(w)
		return
	}
	if claims.TenantID != req.TenantID {
		ErrInvalidGrant.WithDescription("authorization code was not issued for this tenant").Write(w)
		return
	}
	ac, err := s.codes.Peek(ctx, req.AuthCode)
	if err != nil {
		s.log.ErrorContext(ctx, "oauth.callback.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}
	if ac == nil {
		ErrInvalidGrant.WithDescription("authorization code is invalid, used or expired").Write(w)
		return
	}

	if err := s.users.Put(ctx, req.TenantID, req.UserToken); err != nil {
		s.log.ErrorContext(ctx, "oauth.callback.fail", slog.String("err", err.Error()))
		ErrServerError.Write(w)
		return
	}
	s.log.InfoContext(ctx, "oauth.callback.ok", slog.String("tenant_id", req.TenantID), slog.String("client_id", ac.ClientID))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// TokenResponse is the successful /token response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		ErrInvalidRequest.WithDescription("malformed form body").Write(w)
		return
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch gt := r.PostForm.Get("grant_type"); gt {
	case GrantTypeAuthorizationCode:
		resp, err = s.exchangeCode(ctx, r)
	case GrantTypeRefreshToken:
		resp, err = s.exchangeRefresh(ctx, r)
	case "":
		err = ErrInvalidRequest.WithDescription("missing grant_type")
	default:
		err = ErrUnsupportedGrantType.WithDescription("grant_type " + gt + " not supported")
	}

	if err != nil {
		var oe *Error
		if !errors.As(err, &oe) {
			s.log.ErrorContext(ctx, "oauth.token.fail", slog.String("err", err.Error()))
			oe = ErrServerError
		} else {
			s.log.WarnContext(ctx, "oauth.token."+oe.Code, slog.String("err", oe.Description))
		}
		oe.Write(w)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// clientCredentials reads client_secret_basic first, then the form fields.
func clientCredentials(r *http.Request) (id, secret string) {
	if user, pass, ok := r.BasicAuth(); ok {
		if u, err := url.QueryUnescape(user); err == nil {
			user = u
		}
		if p, err := url.QueryUnescape(pass); err == nil {
			pass = p
		}
		return user, pass
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (*Client, error) {
	id, secret := clientCredentials(r)
	if id == "" {
		return nil, ErrInvalidClient.WithDescription("missing client_id")
	}
	c, err := s.clients.Get(ctx, id)
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidClient.WithDescription("unknown client")
	}
	if err != nil {
		return nil, err
	}
	if !c.CheckSecret(secret) {
		return nil, ErrInvalidClient.WithDescription("client authentication failed")
	}
	return c, nil
}

func (s *Server) exchangeCode(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")
	if code == "" || verifier == "" {
		return nil, ErrInvalidRequest.WithDescription("code and code_verifier are required")
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeAuthorizationCode) {
		return nil, ErrUnsupportedGrantType.WithDescription("client may not use authorization_code")
	}

	claims, err := s.tokens.VerifyCode(code)
	if err != nil {
		return nil, ErrInvalidGrant.WithDescription("authorization code is invalid or expired")
	}
	if claims.ClientID != client.ID {
		return nil, ErrInvalidGrant.WithDescription("authorization code was issued to another client")
	}

	ac, err := s.codes.Consume(ctx, code, func(ac *AuthorizationCode) error {
		if ac.ClientID != client.ID {
			return ErrInvalidGrant.WithDescription("authorization code was issued to another client")
		}
		if redirectURI != "" && redirectURI != ac.RedirectURI {
			return ErrInvalidGrant.WithDescription("redirect_uri mismatch")
		}
		if !VerifyPKCE(verifier, ac.CodeChallenge) {
			return ErrInvalidGrant.WithDescription("code_verifier does not match code_challenge")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.issuePair(ac.ClientID, ac.TenantID, ac.Scope)
}

func (s *Server) exchangeRefresh(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		return nil, ErrInvalidRequest.WithDescription("missing refresh_token")
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(GrantTypeRefreshToken) {
		return nil, ErrUnsupportedGrantType.WithDescription("client may not use refresh_token")
	}

	claims, err := s.tokens.VerifyRefresh(refresh)
	if err != nil {
		return nil, ErrInvalidGrant.WithDescription("refresh token is invalid or expired")
	}
	if claims.ClientID != client.ID {
		return nil, ErrInvalidGrant.WithDescription("refresh token was issued to another client")
	}
	return s.issuePair(claims.ClientID, claims.TenantID, claims.Scope)
}

func (s *Server) issuePair(clientID, tenantID, scope string) (*TokenResponse, error) {
	access, err := s.tokens.IssueAccess(clientID, tenantID, scope)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(clientID, tenantID, scope)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(AccessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
