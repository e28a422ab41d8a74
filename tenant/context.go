package tenant

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Context is the immutable, request-local view of one tenant.
type Context struct {
	tenantID    string
	tools       []ToolDescriptor
	identity    Identity
	fingerprint uint64
}

// NewContext deep-copies t's toolset so the result shares no memory with the
// store that produced t.
func NewContext(t *Tenant, identity Identity) *Context {
	tools := make([]ToolDescriptor, len(t.Tools))
	for i, td := range t.Tools {
		td.Schema = append(json.RawMessage(nil), td.Schema...)
		tools[i] = td
	}
	return &Context{
		tenantID:    t.ID,
		tools:       tools,
		identity:    identity,
		fingerprint: Fingerprint(tools),
	}
}

// Fingerprint hashes the advertised schemas of a toolset in order.
func Fingerprint(tools []ToolDescriptor) uint64 {
	h := xxhash.New()
	for _, td := range tools {
		_, _ = h.Write(td.Schema)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// TenantID returns the bound tenant's id.
func (c *Context) TenantID() string { return c.tenantID }

// Identity returns the caller identity bound for this request.
func (c *Context) Identity() Identity { return c.identity }

// Len returns the number of bound tools.
func (c *Context) Len() int { return len(c.tools) }

// Schemas returns the tool schemas in configured order.
func (c *Context) Schemas() []json.RawMessage {
	out := make([]json.RawMessage, len(c.tools))
	for i, td := range c.tools {
		out[i] = td.Schema
	}
	return out
}

// Lookup finds a tool by exact name.
func (c *Context) Lookup(name string) (ToolDescriptor, bool) {
	for _, td := range c.tools {
		if td.Name == name {
			return td, true
		}
	}
	return ToolDescriptor{}, false
}

// Fingerprint is a hash of the ordered schemas, used to notice toolset
// changes between requests on the same session.
func (c *Context) Fingerprint() uint64 { return c.fingerprint }
