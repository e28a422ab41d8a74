// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
//
// Namespaces registered with WithDurableNamespaces are held outside the LRU
// and are never evicted; their entries leave only through Delete, Consume or
// expiry.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSweepInterval = 5 * time.Minute

// Option configures a Storage.
type Option func(*Storage)

// WithDurableNamespaces exempts the named namespaces from LRU eviction.
func WithDurableNamespaces(namespaces ...string) Option {
	return func(s *Storage) {
		for _, ns := range namespaces {
			s.durableNS[ns] = struct{}{}
		}
	}
}

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *storage.StorageItem]
	durable   map[string]*storage.StorageItem
	durableNS map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new in-memory storage holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Storage, error) {
	return NewWithSweep(maxItems, defaultSweepInterval, opts...)
}

// NewWithSweep is New with a custom interval for the background removal of
// expired entries. A non-positive interval disables sweeping; reads still
// treat expired entries as absent.
func NewWithSweep(maxItems int, interval time.Duration, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache:     cache,
		durable:   make(map[string]*storage.StorageItem),
		durableNS: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if interval > 0 {
		go s.sweep(interval)
	}

	return s, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	ns := storage.Apply(opts...).Namespace

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(ns, buildKey(ns, key)), nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.StorageItem{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	if s.isDurable(options.Namespace) {
		s.durable[storageKey] = item
	} else {
		s.cache.Add(storageKey, item)
	}
	s.mu.Unlock()

	return nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.removeLocked(options.Namespace, buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := buildKey(options.Namespace, "")
	if s.isDurable(options.Namespace) {
		for key := range s.durable {
			if strings.HasPrefix(key, prefix) {
				delete(s.durable, key)
			}
		}
		return nil
	}
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}

	return nil
}

// Consume loads, checks and removes an item under a single lock acquisition.
func (s *Storage) Consume(ctx context.Context, key string, check func(*storage.StorageItem) error, opts ...storage.Option) (*storage.StorageItem, error) {
	ns := storage.Apply(opts...).Namespace
	storageKey := buildKey(ns, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.loadLocked(ns, storageKey)
	if item == nil {
		return nil, nil
	}
	if check != nil {
		if err := check(item); err != nil {
			return nil, err
		}
	}
	s.removeLocked(ns, storageKey)

	return item, nil
}

// Close stops the sweeper and drops every entry.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	s.cache.Purge()
	clear(s.durable)
	s.mu.Unlock()
	return nil
}

// Len reports the number of entries currently held, expired or not.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len() + len(s.durable)
}

func (s *Storage) isDurable(namespace string) bool {
	_, ok := s.durableNS[namespace]
	return ok
}

func (s *Storage) loadLocked(namespace, storageKey string) *storage.StorageItem {
	var (
		item *storage.StorageItem
		ok   bool
	)
	if s.isDurable(namespace) {
		item, ok = s.durable[storageKey]
	} else {
		item, ok = s.cache.Get(storageKey)
	}
	if !ok {
		return nil
	}
	if item.IsExpired() {
		s.removeLocked(namespace, storageKey)
		return nil
	}
	return item
}

func (s *Storage) removeLocked(namespace, storageKey string) {
	if s.isDurable(namespace) {
		delete(s.durable, storageKey)
		return
	}
	s.cache.Remove(storageKey)
}

func buildKey(namespace, key string) string {
	if namespace == "" {
		return "global:" + key
	}
	return "ns:" + namespace + ":" + key
}

func (s *Storage) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				s.cache.Remove(key)
			}
		}
		for key, item := range s.durable {
			if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
				delete(s.durable, key)
			}
		}
		s.mu.Unlock()
	}
}
