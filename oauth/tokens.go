package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token lifetimes.
const (
	CodeTTL         = 10 * time.Minute
	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// TokenType distinguishes the three kinds of signed tokens the server issues.
type TokenType string

const (
	TokenTypeCode    TokenType = "code"
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the payload of codes, access tokens and refresh tokens.
type Claims struct {
	ClientID string    `json:"clientId"`
	TenantID string    `json:"tenantId"`
	Type     TokenType `json:"type"`
	Scope    string    `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuer stamps and requires the iss claim.
func WithIssuer(iss string) IssuerOption {
	return func(i *TokenIssuer) { i.issuer = iss }
}

// WithIssuerClock overrides time.Now for issuing and verifying.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) { i.now = now }
}

// TokenIssuer mints and verifies stateless tokens. Validity is signature
// plus expiry; there is no revocation list.
type TokenIssuer struct {
	keys   *jwtauth.Keys
	issuer string
	now    func() time.Time
}

// NewTokenIssuer returns an issuer signing with keys.
func NewTokenIssuer(keys *jwtauth.Keys, opts ...IssuerOption) *TokenIssuer {
	i := &TokenIssuer{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *TokenIssuer) issue(typ TokenType, clientID, tenantID, scope string, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := Claims{
		ClientID: clientID,
		TenantID: tenantID,
		Type:     typ,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := i.keys.Sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

func (i *TokenIssuer) verify(tok string, typ TokenType) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired()}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	var claims Claims
	if err := i.keys.Parse(tok, &claims, opts...); err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: token type %q, want %q", jwtauth.ErrUnauthorized, claims.Type, typ)
	}
	return &claims, nil
}

// IssueCode mints an authorization code valid for CodeTTL.
func (i *TokenIssuer) IssueCode(clientID, tenantID, scope string) (string, time.Time, error) {
	return i.issue(TokenTypeCode, clientID, tenantID, scope, CodeTTL)
}

// VerifyCode checks a code's signature, expiry and type.
func (i *TokenIssuer) VerifyCode(code string) (*Claims, error) {
	return i.verify(code, TokenTypeCode)
}

// IssueAccess mints an access token valid for AccessTokenTTL.
func (i *TokenIssuer) IssueAccess(clientID, tenantID, scope string) (string, error) {
	tok, _, err := i.issue(TokenTypeAccess, clientID, tenantID, scope, AccessTokenTTL)
	return tok, err
}

// IssueRefresh mints a refresh token valid for RefreshTokenTTL.
func (i *TokenIssuer) IssueRefresh(clientID, tenantID, scope string) (string, error) {
	tok, _, err := i.issue(TokenTypeRefresh, clientID, tenantID, scope, RefreshTokenTTL)
	return tok, err
}

// VerifyAccess checks an access token.
func (i *TokenIssuer) VerifyAccess(tok string) (*Claims, error) {
	return i.verify(tok, TokenTypeAccess)
}

// VerifyRefresh checks a refresh token.
func (i *TokenIssuer) VerifyRefresh(tok string) (*Claims, error) {
	return i.verify(tok, TokenTypeRefresh)
}

// S256Challenge derives the PKCE S256 challenge for verifier.
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyPKCE reports whether verifier hashes to challenge.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(S256Challenge(verifier)), []byte(challenge)) == 1
}
