package sessions

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// Deduper tracks initialize requests in flight per client key.
type Deduper struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{pending: make(map[string]struct{})}
}

// TryBegin marks key as initializing. ok is false when an initialize for key
// is already in flight. The returned release ends the pending state; it is
// safe to call any number of times and only the first call has effect.
func (d *Deduper) TryBegin(key string) (release func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.pending[key]; busy {
		return func() {}, false
	}
	d.pending[key] = struct{}{}

	return sync.OnceFunc(func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}), true
}

// Pending reports whether key has an initialize in flight.
func (d *Deduper) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Len returns the number of pending keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ClientKey derives the dedup key for r: the Idempotency-Key header when
// present, otherwise the remote address host.
func ClientKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return "key:" + k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
