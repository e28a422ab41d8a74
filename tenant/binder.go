package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithLogger sets the binder's logger.
func WithLogger(log *slog.Logger) BinderOption {
	return func(b *Binder) { b.log = log }
}

// Binder resolves tenants and produces request-scoped Contexts. Concurrent
// lookups of the same tenant id share a single store round trip.
type Binder struct {
	store Store
	group singleflight.Group
	log   *slog.Logger
}

// NewBinder creates a Binder over store.
func NewBinder(store Store, opts ...BinderOption) *Binder {
	b := &Binder{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind looks up tenantID and returns a Context for this request only.
// An identity with a user id must match the tenant owner when the tenant has
// one.
func (b *Binder) Bind(ctx context.Context, tenantID string, identity Identity) (*Context, error) {
	if tenantID == "" {
		return nil, ErrTenantNotFound
	}

	start := time.Now()
	t, err := b.lookup(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, ErrTenantNotFound) {
			b.log.ErrorContext(ctx, "tenant.lookup.fail", slog.String("tenant_id", tenantID), slog.String("err", err.Error()))
		}
		return nil, err
	}
	if len(t.Tools) == 0 {
		return nil, ErrNoTools
	}
	if identity.UserID != "" && t.OwnerID != "" && identity.UserID != t.OwnerID {
		b.log.WarnContext(ctx, "tenant.bind.forbidden", slog.String("tenant_id", tenantID))
		return nil, ErrForbidden
	}

	if identity.UserID == "" {
		// Credential-only callers act as the tenant owner.
		identity.UserID = t.OwnerID
	}
	tc := NewContext(t, identity)
	b.log.DebugContext(ctx, "tenant.bind.ok",
		slog.String("tenant_id", tenantID),
		slog.Int("tools", tc.Len()),
		slog.Duration("dur", time.Since(start)),
	)
	return tc, nil
}

func (b *Binder) lookup(ctx context.Context, tenantID string) (*Tenant, error) {
	ch := b.group.DoChan(tenantID, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		return b.store.LookupTenant(context.WithoutCancel(ctx), tenantID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		t, ok := res.Val.(*Tenant)
		if !ok || t == nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
		}
		return t, nil
	}
}
