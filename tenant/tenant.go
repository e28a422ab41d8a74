// Package tenant resolves a tenant's toolset and binds it, together with the
// caller identity, into a request-scoped Context. A Context is built fresh for
// every request and is never shared between requests.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound is returned when no tenant exists for an id.
	ErrTenantNotFound = errors.New("tenant: not found")
	// ErrNoTools is returned when a tenant exists but has no tools configured.
	ErrNoTools = errors.New("tenant: no tools configured")
	// ErrForbidden is returned when the caller does not own the tenant.
	ErrForbidden = errors.New("tenant: caller does not own tenant")
)

// BackendKind selects the executor that performs a tool's calls.
type BackendKind string

const (
	// BackendExecute routes calls to the platform tool service.
	BackendExecute BackendKind = "execute"
	// BackendREST forwards calls to an API the user connected themselves.
	BackendREST BackendKind = "rest"
	// BackendAction runs a prebuilt third-party action on the user's behalf.
	BackendAction BackendKind = "action"
)

// Backend carries the routing data for one tool.
type Backend struct {
	Kind BackendKind `json:"kind" yaml:"kind"`

	// REST
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// Action
	App             string `json:"app,omitempty" yaml:"app,omitempty"`
	AuthProvisionID string `json:"authProvisionId,omitempty" yaml:"authProvisionId,omitempty"`
}

// ToolDescriptor is one callable tool of a tenant.
type ToolDescriptor struct {
	ID      string
	Name    string
	Schema  json.RawMessage
	OwnerID string
	Backend Backend
}

// Tenant is a configured server instance with its toolset.
type Tenant struct {
	ID      string
	Name    string
	OwnerID string
	Tools   []ToolDescriptor
}

// Store looks tenants up by id. Implementations return ErrTenantNotFound
// (possibly wrapped) for unknown ids. The returned value may be shared and
// must not be mutated by callers.
type Store interface {
	LookupTenant(ctx context.Context, id string) (*Tenant, error)
}

// Identity is the caller a request acts for. Token is the credential handed
// to tool executors; it is never logged.
type Identity struct {
	UserID string
	Token  string
}

// ToolName extracts the "name" member of a tool schema document.
func ToolName(schema json.RawMessage) (string, error) {
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(schema, &probe); err != nil {
		return "", fmt.Errorf("decode tool schema: %w", err)
	}
	if probe.Name == "" {
		return "", errors.New("tool schema has no name")
	}
	return probe.Name, nil
}

// NewToolDescriptor builds a descriptor whose name is taken from the schema.
func NewToolDescriptor(id, ownerID string, schema json.RawMessage, backend Backend) (ToolDescriptor, error) {
	name, err := ToolName(schema)
	if err != nil {
		return ToolDescriptor{}, fmt.Errorf("tool %s: %w", id, err)
	}
	if backend.Kind == "" {
		backend.Kind = BackendExecute
	}
	return ToolDescriptor{
		ID:      id,
		Name:    name,
		Schema:  append(json.RawMessage(nil), schema...),
		OwnerID: ownerID,
		Backend: backend,
	}, nil
}
