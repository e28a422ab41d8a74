package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/storage"
	"github.com/google/uuid"
)

const clientsNamespace = "oauth:clients"

// Grant and response types understood by the server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"

	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodNone              = "none"
)

// ErrClientNotFound is returned by ClientRegistry.Get for unknown client ids.
var ErrClientNotFound = errors.New("oauth: client not found")

// RegistrationRequest is the RFC 7591 client metadata accepted at /register.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// Client is a registered client application. The secret is only kept as a
// hash; the plain value is returned once, from Register.
type Client struct {
	ID                      string    `json:"client_id"`
	SecretHash              []byte    `json:"secret_hash,omitempty"`
	Name                    string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// Public reports whether the client authenticates without a secret.
func (c *Client) Public() bool { return len(c.SecretHash) == 0 }

// CheckSecret reports whether secret matches. Public clients accept any value.
func (c *Client) CheckSecret(secret string) bool {
	if c.Public() {
		return true
	}
	h := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(h[:], c.SecretHash) == 1
}

// AllowsRedirect reports whether uri may be used with this client. Clients
// that registered no redirect URIs accept any.
func (c *Client) AllowsRedirect(uri string) bool {
	return len(c.RedirectURIs) == 0 || slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrant reports whether the client registered grant.
func (c *Client) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// ClientRegistry stores registered clients.
type ClientRegistry struct {
	store storage.Storage
	now   func() time.Time
}

// NewClientRegistry returns a registry over store.
func NewClientRegistry(store storage.Storage) *ClientRegistry {
	return &ClientRegistry{store: store, now: time.Now}
}

// Register creates a client and returns it with its plain secret, which is
// empty for public clients.
func (r *ClientRegistry) Register(ctx context.Context, req RegistrationRequest) (*Client, string, error) {
	c := &Client{
		ID:                      uuid.NewString(),
		Name:                    req.ClientName,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              slices.Clone(req.GrantTypes),
		ResponseTypes:           slices.Clone(req.ResponseTypes),
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		CreatedAt:               r.now().UTC(),
	}
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{ResponseTypeCode}
	}
	if c.RedirectURIs == nil {
		c.RedirectURIs = []string{}
	}
	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = AuthMethodClientSecretPost
	}

	var secret string
	if c.TokenEndpointAuthMethod != AuthMethodNone {
		var err error
		secret, err = randomToken(32)
		if err != nil {
			return nil, "", err
		}
		h := sha256.Sum256([]byte(secret))
		c.SecretHash = h[:]
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, "", fmt.Errorf("encode client: %w", err)
	}
	if err := r.store.Set(ctx, c.ID, data, storage.WithNamespace(clientsNamespace)); err != nil {
		return nil, "", fmt.Errorf("store client: %w", err)
	}
	return c, secret, nil
}

// Get loads a client by id.
func (r *ClientRegistry) Get(ctx context.Context, id string) (*Client, error) {
	if id == "" {
		return nil, ErrClientNotFound
	}
	item, err := r.store.Get(ctx, id, storage.WithNamespace(clientsNamespace))
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if item == nil {
		return nil, ErrClientNotFound
	}
	var c Client
	if err := json.Unmarshal(item.Data, &c); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &c, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
