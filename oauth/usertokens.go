package oauth

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-tenant-gateway/storage"
)

const userTokensNamespace = "oauth:user_tokens"

// DurableNamespaces lists the storage namespaces whose entries have no ttl and
// must survive capacity pressure on a bounded backend: registered clients and
// recorded user credentials. Authorization codes are not included.
func DurableNamespaces() []string {
	return []string{clientsNamespace, userTokensNamespace}
}

// UserTokenStore maps a tenant id to the end-user credential recorded at the
// end of the login flow.
type UserTokenStore struct {
	store storage.Storage
}

// NewUserTokenStore returns a UserTokenStore over store.
func NewUserTokenStore(store storage.Storage) *UserTokenStore {
	return &UserTokenStore{store: store}
}

// Put records credential for tenantID, replacing any previous one.
func (s *UserTokenStore) Put(ctx context.Context, tenantID, credential string) error {
	if err := s.store.Set(ctx, tenantID, []byte(credential), storage.WithNamespace(userTokensNamespace)); err != nil {
		return fmt.Errorf("store user credential: %w", err)
	}
	return nil
}

// Get returns the credential for tenantID or ErrNoUserCredential.
func (s *UserTokenStore) Get(ctx context.Context, tenantID string) (string, error) {
	item, err := s.store.Get(ctx, tenantID, storage.WithNamespace(userTokensNamespace))
	if err != nil {
		return "", fmt.Errorf("load user credential: %w", err)
	}
	if item == nil || len(item.Data) == 0 {
		return "", ErrNoUserCredential
	}
	return string(item.Data), nil
}

// Delete forgets the credential for tenantID.
func (s *UserTokenStore) Delete(ctx context.Context, tenantID string) error {
	return s.store.Delete(ctx, storage.WithNamespace(userTokensNamespace), storage.WithKey(tenantID))
}
