package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-tenant-gateway/mcp"
)

var (
	// ErrSessionNotFound is returned for unknown, stale or foreign session ids.
	ErrSessionNotFound = errors.New("sessions: invalid or missing session")
	// ErrSessionClosed is returned by Transport.Next once the session closed.
	ErrSessionClosed = errors.New("sessions: session closed")
)

const notificationBuffer = 32

var listChangedMessage = mustMarshal(jsonrpc.NewNotification(string(mcp.ToolsListChangedNotificationMethod), nil))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Transport is the live handle for one protocol session.
type Transport struct {
	id        string
	tenantID  string
	createdAt time.Time

	mu              sync.Mutex
	protocolVersion string
	initialized     bool
	lastSeen        time.Time
	fingerprint     uint64
	fingerprintSet  bool

	outbound           chan []byte
	pendingListChanged atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	onInitialized func(*Transport)
	onClose       func(*Transport)
	onEnd         []func()
}

// ID returns the session id.
func (t *Transport) ID() string { return t.id }

// TenantID returns the tenant the session was created for.
func (t *Transport) TenantID() string { return t.tenantID }

// CreatedAt returns when the transport was created.
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// ProtocolVersion returns the negotiated protocol version, empty before
// initialization.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

// Initialized reports whether MarkInitialized has run.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

// MarkInitialized records a successful initialize and makes the session
// resolvable. Calls after the first, or after Close, are no-ops.
func (t *Transport) MarkInitialized(protocolVersion string) {
	t.mu.Lock()
	if t.initialized || t.isClosed() {
		t.mu.Unlock()
		return
	}
	t.initialized = true
	t.protocolVersion = protocolVersion
	t.mu.Unlock()

	if t.onInitialized != nil {
		t.onInitialized(t)
	}
	t.end()
}

// Touch records activity on the session.
func (t *Transport) Touch(now time.Time) {
	t.mu.Lock()
	t.lastSeen = now
	t.mu.Unlock()
}

// LastSeen returns the time of the latest Touch.
func (t *Transport) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close tears the session down. The registry entry is removed before Close
// returns. Tool calls already dispatched are not affected.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.onClose != nil {
			t.onClose(t)
		}
		t.end()
	})
}

func (t *Transport) end() {
	for _, fn := range t.onEnd {
		fn()
	}
}

// Notify queues a raw JSON-RPC message for the notification channel. It
// never blocks; false means the queue was full or the session closed.
func (t *Transport) Notify(msg []byte) bool {
	if t.isClosed() {
		return false
	}
	select {
	case t.outbound <- msg:
		return true
	default:
		return false
	}
}

// Next blocks until a queued notification is available, ctx is done, or the
// session closes.
func (t *Transport) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrSessionClosed
	case msg := <-t.outbound:
		if string(msg) == string(listChangedMessage) {
			t.pendingListChanged.Store(false)
		}
		return msg, nil
	}
}

// ObserveToolset compares fp with the toolset fingerprint seen on the
// previous request. A change queues one tools/list_changed notification;
// further changes coalesce until the client reads it.
func (t *Transport) ObserveToolset(fp uint64) bool {
	t.mu.Lock()
	changed := t.fingerprintSet && t.fingerprint != fp
	t.fingerprint = fp
	t.fingerprintSet = true
	t.mu.Unlock()

	if !changed {
		return false
	}
	return t.queueListChanged()
}

// ToolsetChanged queues a tools/list_changed notification for a change
// announced out of band. The next ObserveToolset takes its fingerprint as the
// new baseline instead of reporting the same change twice.
func (t *Transport) ToolsetChanged() bool {
	t.mu.Lock()
	t.fingerprintSet = false
	t.mu.Unlock()
	return t.queueListChanged()
}

func (t *Transport) queueListChanged() bool {
	if !t.pendingListChanged.CompareAndSwap(false, true) {
		return false
	}
	if !t.Notify(listChangedMessage) {
		t.pendingListChanged.Store(false)
		return false
	}
	return true
}
