package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
)

// BearerClaims is the payload of a platform bearer token.
type BearerClaims struct {
	UserID string `json:"u"`
	jwt.RegisteredClaims
}

// BearerOption configures a BearerAuthenticator.
type BearerOption func(*BearerAuthenticator)

// WithTokenLifetime makes Mint stamp an expiry on new tokens. Tokens minted
// without one stay valid until the secret rotates.
func WithTokenLifetime(d time.Duration) BearerOption {
	return func(a *BearerAuthenticator) { a.lifetime = d }
}

// WithClock overrides time.Now for minting.
func WithClock(now func() time.Time) BearerOption {
	return func(a *BearerAuthenticator) { a.now = now }
}

// BearerAuthenticator verifies and mints HS256 platform bearer tokens.
type BearerAuthenticator struct {
	keys     *jwtauth.Keys
	lifetime time.Duration
	now      func() time.Time
}

// NewBearerAuthenticator constructs an authenticator for tokens signed with secret.
func NewBearerAuthenticator(secret []byte, opts ...BearerOption) (*BearerAuthenticator, error) {
	keys, err := jwtauth.NewHMAC(secret)
	if err != nil {
		return nil, err
	}
	a := &BearerAuthenticator{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CheckAuthentication implements Authenticator.
func (a *BearerAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	var claims BearerClaims
	if err := a.keys.Parse(tok, &claims); err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user claim", ErrUnauthorized)
	}
	return &userInfo{sub: claims.UserID, claims: claims}, nil
}

// Mint issues a bearer token for userID.
func (a *BearerAuthenticator) Mint(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := a.now()
	claims := BearerClaims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
	}
	if a.lifetime > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.lifetime))
	}
	return a.keys.Sign(claims)
}

type userInfo struct {
	sub    string
	claims any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ Authenticator = (*BearerAuthenticator)(nil)
