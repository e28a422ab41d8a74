package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/broker/memory"
	"github.com/ggoodman/mcp-tenant-gateway/mcp"
)

func TestFollowToolsetChanges(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := r.Create("tenant-a")
	a.ObserveToolset(1)
	a.MarkInitialized("2025-06-18")
	b := r.Create("tenant-b")
	b.MarkInitialized("2025-06-18")

	bus := memory.New(0)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.FollowToolsetChanges(ctx, bus) }()

	nextCtx, cancelNext := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancelNext()

	// The subscriber registers asynchronously; publish until delivered.
	got := make(chan []byte, 1)
	go func() {
		msg, err := a.Next(nextCtx)
		if err == nil {
			got <- msg
		}
		close(got)
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	var msg []byte
loop:
	for {
		select {
		case m, ok := <-got:
			if !ok {
				t.Fatalf("no notification delivered")
			}
			msg = m
			break loop
		case <-tick.C:
			if err := PublishToolsetChanged(t.Context(), bus, "tenant-a"); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}

	var n struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("method = %q", n.Method)
	}

	shortCtx, cancelShort := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancelShort()
	if _, err := b.Next(shortCtx); err == nil {
		t.Fatalf("other tenant's session was notified")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FollowToolsetChanges = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("follower ignored cancellation")
	}
}

func TestToolsetChangedRebaselines(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	tr := r.Create("t")
	tr.ObserveToolset(1)
	tr.MarkInitialized("2025-06-18")

	if n := r.ToolsetChanged("t"); n != 1 {
		t.Fatalf("ToolsetChanged = %d", n)
	}
	if _, err := tr.Next(t.Context()); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tr.ObserveToolset(2) {
		t.Fatalf("announced change reported again by ObserveToolset")
	}
	if !tr.ObserveToolset(3) {
		t.Fatalf("later change not reported")
	}
}
