// Package memory provides an in-process implementation of broker.Broker.
// It suits single-replica deployments and tests.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-tenant-gateway/broker"
)

const (
	// DefaultRetain bounds how many events each topic keeps for resumption.
	DefaultRetain = 1024

	subscriberBuffer = 128
)

// Broker implements broker.Broker with per-topic ring logs and buffered
// subscriber channels. A subscriber whose buffer is full misses events.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*topic
	retain  int
	counter atomic.Int64
}

type topic struct {
	mu          sync.Mutex
	log         []broker.Envelope
	subscribers map[chan broker.Envelope]struct{}
}

// New creates a broker retaining up to retain events per topic. A
// non-positive retain uses DefaultRetain.
func New(retain int) *Broker {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Broker{topics: make(map[string]*topic), retain: retain}
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[chan broker.Envelope]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := broker.Envelope{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	t := b.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log = append(t.log, env)
	if over := len(t.log) - b.retain; over > 0 {
		t.log = append(t.log[:0:0], t.log[over:]...)
	}
	for ch := range t.subscribers {
		select {
		case ch <- env:
		default:
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := b.topic(name)
	ch := make(chan broker.Envelope, subscriberBuffer)

	// Snapshot the backlog and register atomically so no event falls between.
	t.mu.Lock()
	var backlog []broker.Envelope
	if lastEventID != "" {
		for i, env := range t.log {
			if env.ID == lastEventID {
				backlog = append(backlog, t.log[i+1:]...)
				break
			}
		}
	}
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.subscribers, ch)
		t.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(ctx, env); err != nil {
			return stopErr(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			if err := handler(ctx, env); err != nil {
				return stopErr(err)
			}
		}
	}
}

func stopErr(err error) error {
	if errors.Is(err, broker.ErrStopped) {
		return nil
	}
	return err
}

var _ broker.Broker = (*Broker)(nil)
