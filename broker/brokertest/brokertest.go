// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("ResumeAfterEventID", func(t *testing.T) { testResumeAfterEventID(t, factory) })
	t.Run("LiveDeliverySkipsHistory", func(t *testing.T) { testLiveDeliverySkipsHistory(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("HandlerErrorEndsSubscription", func(t *testing.T) { testHandlerErrorEndsSubscription(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
}

func topicName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func publish(t *testing.T, b broker.Broker, topic, data string) string {
	t.Helper()
	id, err := b.Publish(t.Context(), topic, []byte(data))
	if err != nil {
		t.Fatalf("Publish(%s): %v", data, err)
	}
	if id == "" {
		t.Fatalf("Publish(%s) returned an empty event id", data)
	}
	return id
}

// collect subscribes from lastEventID and returns the first n events.
func collect(t *testing.T, b broker.Broker, topic, lastEventID string, n int) <-chan []broker.Envelope {
	t.Helper()
	out := make(chan []broker.Envelope, 1)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	go func() {
		defer cancel()
		var got []broker.Envelope
		err := b.Subscribe(ctx, topic, lastEventID, func(_ context.Context, env broker.Envelope) error {
			got = append(got, env)
			if len(got) == n {
				return broker.ErrStopped
			}
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe: %v", err)
		}
		out <- got
	}()
	return out
}

func wait(t *testing.T, ch <-chan []broker.Envelope) []broker.Envelope {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(6 * time.Second):
		t.Fatalf("subscription did not finish")
		return nil
	}
}

func testResumeAfterEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)

	first := publish(t, b, topic, "a")
	second := publish(t, b, topic, "b")
	third := publish(t, b, topic, "c")

	got := wait(t, collect(t, b, topic, first, 2))
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ID != second || string(got[0].Data) != "b" {
		t.Fatalf("first delivered = %s %q", got[0].ID, got[0].Data)
	}
	if got[1].ID != third || string(got[1].Data) != "c" {
		t.Fatalf("second delivered = %s %q", got[1].ID, got[1].Data)
	}
}

func testLiveDeliverySkipsHistory(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)

	publish(t, b, topic, "old")
	ch := collect(t, b, topic, "", 1)

	// The subscriber registers asynchronously; keep publishing until it
	// observes an event.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if len(got) != 1 || string(got[0].Data) != "new" {
				t.Fatalf("delivered %+v, want only new events", got)
			}
			return
		case <-tick.C:
			publish(t, b, topic, "new")
		case <-time.After(6 * time.Second):
			t.Fatalf("no live event delivered")
		}
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic, other := topicName(t), topicName(t)+"-other"

	seed := publish(t, b, topic, "seed")
	ch := collect(t, b, topic, seed, 1)
	publish(t, b, other, "foreign")
	publish(t, b, topic, "mine")

	got := wait(t, ch)
	if len(got) != 1 || string(got[0].Data) != "mine" {
		t.Fatalf("delivered %+v", got)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)

	seed := publish(t, b, topic, "seed")
	ch1 := collect(t, b, topic, seed, 1)
	ch2 := collect(t, b, topic, seed, 1)
	publish(t, b, topic, "fanout")

	var wg sync.WaitGroup
	for _, ch := range []<-chan []broker.Envelope{ch1, ch2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case got := <-ch:
				if len(got) != 1 || string(got[0].Data) != "fanout" {
					t.Errorf("delivered %+v", got)
				}
			case <-time.After(6 * time.Second):
				t.Errorf("subscriber did not receive")
			}
		}()
	}
	wg.Wait()
}

func testHandlerErrorEndsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)

	seed := publish(t, b, topic, "seed")
	publish(t, b, topic, "boom")

	boom := errors.New("boom")
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := b.Subscribe(ctx, topic, seed, func(context.Context, broker.Envelope) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Subscribe = %v, want handler error", err)
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	topic := topicName(t)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, topic, "", func(context.Context, broker.Envelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Subscribe ignored cancellation")
	}
}
