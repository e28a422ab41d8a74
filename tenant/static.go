package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticStore is an in-memory Store. Tenants are replaced wholesale, so a
// value returned by LookupTenant is never mutated afterwards.
type StaticStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewStaticStore creates a store holding the given tenants.
func NewStaticStore(tenants ...Tenant) *StaticStore {
	s := &StaticStore{tenants: make(map[string]*Tenant, len(tenants))}
	for _, t := range tenants {
		s.Put(t)
	}
	return s
}

// Put inserts or replaces a tenant.
func (s *StaticStore) Put(t Tenant) {
	cp := t
	cp.Tools = append([]ToolDescriptor(nil), t.Tools...)

	s.mu.Lock()
	s.tenants[t.ID] = &cp
	s.mu.Unlock()
}

// Replace swaps the full tenant set atomically and returns the ids of
// tenants whose toolset was added, removed or changed.
func (s *StaticStore) Replace(tenants []Tenant) (changed []string) {
	next := make(map[string]*Tenant, len(tenants))
	for _, t := range tenants {
		cp := t
		cp.Tools = append([]ToolDescriptor(nil), t.Tools...)
		next[t.ID] = &cp
	}

	s.mu.Lock()
	prev := s.tenants
	s.tenants = next
	s.mu.Unlock()

	for id, t := range next {
		old, ok := prev[id]
		if !ok || Fingerprint(old.Tools) != Fingerprint(t.Tools) {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// Remove deletes a tenant.
func (s *StaticStore) Remove(id string) {
	s.mu.Lock()
	delete(s.tenants, id)
	s.mu.Unlock()
}

// LookupTenant implements Store.
func (s *StaticStore) LookupTenant(ctx context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	t, ok := s.tenants[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantNotFound)
	}
	return t, nil
}

var _ Store = (*StaticStore)(nil)
