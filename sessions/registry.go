package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithIdleTimeout closes sessions with no activity for d when Run is active.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry maps session ids to live transports.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Transport

	log         *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Transport),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOption configures a transport created by Registry.Create.
type CreateOption func(*Transport)

// WithOnEnd runs fn when the transport either initializes or closes. fn may
// run more than once and must be idempotent.
func WithOnEnd(fn func()) CreateOption {
	return func(t *Transport) { t.onEnd = append(t.onEnd, fn) }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) CreateOption {
	return func(t *Transport) { t.id = id }
}

// Create builds a transport for tenantID. It becomes resolvable only after
// MarkInitialized.
func (r *Registry) Create(tenantID string, opts ...CreateOption) *Transport {
	now := r.now()
	t := &Transport{
		id:        uuid.NewString(),
		tenantID:  tenantID,
		createdAt: now,
		lastSeen:  now,
		outbound:  make(chan []byte, notificationBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.onInitialized = r.store
	t.onClose = r.remove
	return t
}

// store registers t unless it is already closed. Close signals done before
// remove takes r.mu, so a concurrent Close either is seen here or removes the
// entry afterwards.
func (r *Registry) store(t *Transport) {
	r.mu.Lock()
	if t.isClosed() {
		r.mu.Unlock()
		return
	}
	r.sessions[t.id] = t
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("session.store", slog.String("session_id", t.id), slog.String("tenant_id", t.tenantID), slog.Int("active", n))
}

func (r *Registry) remove(t *Transport) {
	r.mu.Lock()
	if cur, ok := r.sessions[t.id]; ok && cur == t {
		delete(r.sessions, t.id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("session.close", slog.String("session_id", t.id), slog.Int("active", n))
}

// Resolve returns the live transport for id.
func (r *Registry) Resolve(id string) (*Transport, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	r.mu.RLock()
	t, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return t, nil
}

// ResolveForTenant is Resolve restricted to sessions created for tenantID.
func (r *Registry) ResolveForTenant(id, tenantID string) (*Transport, error) {
	t, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	if t.tenantID != tenantID {
		return nil, ErrSessionNotFound
	}
	return t, nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Transport, 0, len(r.sessions))
	for _, t := range r.sessions {
		out = append(out, t)
	}
	return out
}

// ToolsetChanged notifies every session of tenantID that its tool list
// changed and returns how many notifications were queued.
func (r *Registry) ToolsetChanged(tenantID string) int {
	n := 0
	for _, t := range r.snapshot() {
		if t.tenantID == tenantID && t.ToolsetChanged() {
			n++
		}
	}
	return n
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	for _, t := range r.snapshot() {
		t.Close()
	}
}

// ReapIdle closes sessions idle longer than the configured timeout and
// returns how many were closed.
func (r *Registry) ReapIdle() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTimeout)
	n := 0
	for _, t := range r.snapshot() {
		if t.LastSeen().Before(cutoff) {
			t.Close()
			n++
		}
	}
	return n
}

// Run reaps idle sessions periodically until ctx is done, then closes all
// remaining sessions.
func (r *Registry) Run(ctx context.Context) error {
	defer r.CloseAll()

	if r.idleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := r.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.ReapIdle(); n > 0 {
				r.log.InfoContext(ctx, "session.reap", slog.Int("closed", n))
			}
		}
	}
}
