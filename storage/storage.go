// Package storage defines the key-value contract that backs the gateway's
// OAuth state (clients, authorization codes, end-user credentials).
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced key-value store with ttl-aware reads.
type Storage interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns nil StorageItem if key doesn't exist or has expired.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace.
	// If no key specified via WithKey, removes entire namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Consume atomically loads the item stored under key, passes it to check
	// and deletes it when check returns nil. The item is left in place when
	// check fails and the check error is returned unchanged. A missing or
	// expired key yields (nil, nil) without invoking check. At most one
	// concurrent Consume of the same key can succeed.
	Consume(ctx context.Context, key string, check func(*StorageItem) error, opts ...Option) (*StorageItem, error)

	// Close closes the storage backend and releases resources.
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace string         // Optional: storage namespace ("" = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithNamespace scopes an operation to a namespace such as "oauth:codes".
func WithNamespace(ns string) Option {
	return func(opts *Options) {
		opts.Namespace = ns
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

var (
	// ErrInvalidOptions is returned when incompatible options are provided
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrConflict is returned by Consume when a concurrent writer modified the
	// key between load and delete.
	ErrConflict = errors.New("storage: concurrent modification")
)
