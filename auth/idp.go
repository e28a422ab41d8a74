package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// IdPOption configures an IdPAuthenticator.
type IdPOption func(*IdPAuthenticator)

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to RS256 and
// ES256. "none" is never allowed.
func WithAllowedAlgs(algs ...string) IdPOption {
	return func(a *IdPAuthenticator) { a.algs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) IdPOption {
	return func(a *IdPAuthenticator) { a.leeway = d }
}

// WithUserClaim names the claim holding the user id. Defaults to "sub".
func WithUserClaim(name string) IdPOption {
	return func(a *IdPAuthenticator) { a.userClaim = name }
}

// IdPAuthenticator verifies JWTs issued by an external identity provider
// against its published, auto-refreshing JWKS.
type IdPAuthenticator struct {
	issuer    string
	audience  string
	algs      []string
	leeway    time.Duration
	userClaim string
	keyfunc   jwt.Keyfunc
}

// NewFromDiscovery performs OpenID Connect discovery on issuer to locate its
// JWKS. audience, when non-empty, must appear in the "aud" claim.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...IdPOption) (*IdPAuthenticator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewFromJWKS(ctx, meta.JwksURI, meta.Issuer, audience, opts...)
}

// NewFromJWKS verifies tokens against the key set at jwksURI. An empty issuer
// or audience skips that check. Keys refresh in the background until ctx is
// done.
func NewFromJWKS(ctx context.Context, jwksURI, issuer, audience string, opts ...IdPOption) (*IdPAuthenticator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	a := &IdPAuthenticator{
		issuer:    issuer,
		audience:  audience,
		algs:      []string{"RS256", "ES256"},
		leeway:    time.Minute,
		userClaim: "sub",
	}
	for _, opt := range opts {
		opt(a)
	}
	if slices.Contains(a.algs, "none") {
		return nil, errors.New(`alg "none" is not allowed`)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	a.keyfunc = kf.Keyfunc
	return a, nil
}

// CheckAuthentication implements Authenticator.
func (a *IdPAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tok, claims, a.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	sub, _ := claims[a.userClaim].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, a.userClaim)
	}
	return &userInfo{sub: sub, claims: map[string]any(claims)}, nil
}

var _ Authenticator = (*IdPAuthenticator)(nil)
