// Package jwtauth holds the signing keys shared by the bearer authenticator
// and the OAuth token issuer. Tokens are HS256 by default; an EC or RSA
// private key switches signing to ES256/RS256 and enables a public JWKS.
package jwtauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that a token failed validation (signature,
// expiry, algorithm or required claims).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// DefaultLeeway is the clock skew tolerated when validating time claims.
const DefaultLeeway = 5 * time.Second

// Keys signs and verifies JWTs with a single algorithm.
type Keys struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	kid       string
	leeway    time.Duration
}

// NewHMAC returns HS256 keys derived from a shared secret.
func NewHMAC(secret []byte) (*Keys, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	key := append([]byte(nil), secret...)
	return &Keys{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key, leeway: DefaultLeeway}, nil
}

// NewFromPrivateKey returns asymmetric keys. P-256 EC keys sign with ES256 and
// RSA keys with RS256.
func NewFromPrivateKey(signer crypto.Signer, kid string) (*Keys, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported EC curve %s", k.Curve.Params().Name)
		}
		return &Keys{method: jwt.SigningMethodES256, signKey: k, verifyKey: &k.PublicKey, kid: kid, leeway: DefaultLeeway}, nil
	case *rsa.PrivateKey:
		return &Keys{method: jwt.SigningMethodRS256, signKey: k, verifyKey: &k.PublicKey, kid: kid, leeway: DefaultLeeway}, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", signer)
	}
}

// ParsePrivateKeyPEM decodes a PEM encoded EC or RSA private key.
func ParsePrivateKeyPEM(pemBytes []byte) (crypto.Signer, error) {
	if k, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	k, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return k, nil
}

// Alg returns the JWS algorithm name.
func (k *Keys) Alg() string { return k.method.Alg() }

// Sign serializes and signs claims.
func (k *Keys) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(k.method, claims)
	if k.kid != "" {
		tok.Header["kid"] = k.kid
	}
	s, err := tok.SignedString(k.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// Parse verifies tok and decodes it into claims. Every failure wraps
// ErrUnauthorized; the underlying cause is kept for logs only.
func (k *Keys) Parse(tok string, claims jwt.Claims, opts ...jwt.ParserOption) error {
	if tok == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{k.method.Alg()}),
		jwt.WithLeeway(k.leeway),
		jwt.WithIssuedAt(),
	}, opts...)...)

	if _, err := parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return k.verifyKey, nil
	}); err != nil {
		return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	return nil
}

// JWKS returns the public key set for asymmetric keys. ok is false for HMAC
// keys, which must never be published.
func (k *Keys) JWKS() (set jose.JSONWebKeySet, ok bool) {
	if k.method == jwt.SigningMethodHS256 {
		return jose.JSONWebKeySet{}, false
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       k.verifyKey,
		KeyID:     k.kid,
		Algorithm: k.method.Alg(),
		Use:       "sig",
	}}}, true
}
