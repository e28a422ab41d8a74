// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/storage"
)

// StorageFactory creates a fresh, empty storage for one sub-test.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete storage suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("ConsumeOnce", func(t *testing.T) { testConsumeOnce(t, factory(t)) })
	t.Run("ConsumeCheckFailureKeepsItem", func(t *testing.T) { testConsumeCheckFailure(t, factory(t)) })
	t.Run("ConsumeConcurrent", func(t *testing.T) { testConsumeConcurrent(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "v" {
		t.Fatalf("Get returned %v", item)
	}
	if item.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Fatalf("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, "ttl", []byte("x"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("Get before expiry: %v %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatalf("ExpiresAt should be set")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be absent")
	}

	consumed, err := s.Consume(ctx, "ttl", func(*storage.StorageItem) error {
		t.Fatalf("check must not run for expired items")
		return nil
	})
	if err != nil || consumed != nil {
		t.Fatalf("Consume after expiry: %v %v", consumed, err)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("codes"), storage.WithNamespace("codes")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	item, _ := s.Get(ctx, "k")
	if item == nil || string(item.Data) != "global" {
		t.Fatalf("global namespace returned %v", item)
	}
	item, _ = s.Get(ctx, "k", storage.WithNamespace("codes"))
	if item == nil || string(item.Data) != "codes" {
		t.Fatalf("codes namespace returned %v", item)
	}
	item, _ = s.Get(ctx, "k", storage.WithNamespace("clients"))
	if item != nil {
		t.Fatalf("expected namespace isolation, got %v", item)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, storage.WithKey("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if item, _ := s.Get(ctx, "k"); item != nil {
		t.Fatalf("expected item to be deleted")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	keys := []string{"a", "b", "c"}

	for _, k := range keys {
		if err := s.Set(ctx, k, []byte(k), storage.WithNamespace("tokens")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Set(ctx, "a", []byte("keep"), storage.WithNamespace("clients")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := s.Delete(ctx, storage.WithNamespace("tokens")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, k := range keys {
		if item, _ := s.Get(ctx, k, storage.WithNamespace("tokens")); item != nil {
			t.Fatalf("expected %q to be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithNamespace("clients")); item == nil {
		t.Fatalf("namespace delete removed a key from another namespace")
	}
}

func testConsumeOnce(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "code", []byte("payload"), storage.WithNamespace("codes"), storage.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	item, err := s.Consume(ctx, "code", nil, storage.WithNamespace("codes"))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if item == nil || string(item.Data) != "payload" {
		t.Fatalf("Consume returned %v", item)
	}

	item, err = s.Consume(ctx, "code", nil, storage.WithNamespace("codes"))
	if err != nil {
		t.Fatalf("second Consume: %v", err)
	}
	if item != nil {
		t.Fatalf("second Consume should find nothing")
	}
}

func testConsumeCheckFailure(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	errReject := errors.New("rejected")

	if err := s.Set(ctx, "code", []byte("payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := s.Consume(ctx, "code", func(*storage.StorageItem) error { return errReject })
	if !errors.Is(err, errReject) {
		t.Fatalf("expected check error, got %v", err)
	}
	if item, _ := s.Get(ctx, "code"); item == nil {
		t.Fatalf("failed check must leave the item in place")
	}
}

func testConsumeConcurrent(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "code", []byte("payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			item, err := s.Consume(ctx, "code", nil)
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				t.Errorf("Consume: %v", err)
				return
			}
			if item != nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", got)
	}
}
