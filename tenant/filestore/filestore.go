// Package filestore implements tenant.Store from a YAML document on disk and
// reloads it when the file changes.
//
// Document shape:
//
//	tenants:
//	  - id: tenant123
//	    name: Demo
//	    owner: user-1
//	    tools:
//	      - id: tool-1
//	        schema:
//	          name: echoTool
//	          inputSchema: {type: object}
//	        backend: {kind: execute}
//
// A tool may give schema_json (a JSON string kept byte for byte) instead of
// schema.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
	"gopkg.in/yaml.v3"
)

type document struct {
	Tenants []tenantDoc `yaml:"tenants"`
}

type tenantDoc struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name"`
	Owner string    `yaml:"owner"`
	Tools []toolDoc `yaml:"tools"`
}

type toolDoc struct {
	ID         string         `yaml:"id"`
	Owner      string         `yaml:"owner"`
	Schema     map[string]any `yaml:"schema"`
	SchemaJSON string         `yaml:"schema_json"`
	Backend    tenant.Backend `yaml:"backend"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithDebounce sets how long to wait for a burst of file events to settle
// before reloading.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithOnChange registers fn to receive the ids of tenants whose toolset
// changed on a reload. It is not called for the initial load.
func WithOnChange(fn func(changed []string)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store serves tenants parsed from a YAML file.
type Store struct {
	*tenant.StaticStore

	path     string
	log      *slog.Logger
	debounce time.Duration
	reloaded chan struct{}
	onChange func([]string)
	loaded   bool
}

// New parses path and returns a ready Store. Call Watch to follow changes.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		StaticStore: tenant.NewStaticStore(),
		path:        path,
		log:         slog.Default(),
		debounce:    100 * time.Millisecond,
		reloaded:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous tenant set stays active.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read tenant file: %w", err)
	}
	tenants, err := Parse(raw)
	if err != nil {
		return err
	}
	changed := s.Replace(tenants)
	if s.loaded && len(changed) > 0 && s.onChange != nil {
		s.onChange(changed)
	}
	s.loaded = true

	select {
	case s.reloaded <- struct{}{}:
	default:
	}
	return nil
}

// Reloaded signals after each successful reload. Intended for tests.
func (s *Store) Reloaded() <-chan struct{} {
	return s.reloaded
}

// Parse decodes a tenant document.
func Parse(raw []byte) ([]tenant.Tenant, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode tenant file: %w", err)
	}

	out := make([]tenant.Tenant, 0, len(doc.Tenants))
	seen := make(map[string]struct{}, len(doc.Tenants))
	for _, td := range doc.Tenants {
		if td.ID == "" {
			return nil, errors.New("tenant without id")
		}
		if _, dup := seen[td.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", td.ID)
		}
		seen[td.ID] = struct{}{}

		t := tenant.Tenant{ID: td.ID, Name: td.Name, OwnerID: td.Owner}
		for i, tool := range td.Tools {
			schema, err := tool.schema()
			if err != nil {
				return nil, fmt.Errorf("tenant %s tool %d: %w", td.ID, i, err)
			}
			id := tool.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", td.ID, i)
			}
			owner := tool.Owner
			if owner == "" {
				owner = td.Owner
			}
			desc, err := tenant.NewToolDescriptor(id, owner, schema, tool.Backend)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", td.ID, err)
			}
			t.Tools = append(t.Tools, desc)
		}
		out = append(out, t)
	}
	return out, nil
}

func (t toolDoc) schema() (json.RawMessage, error) {
	switch {
	case t.SchemaJSON != "":
		if !json.Valid([]byte(t.SchemaJSON)) {
			return nil, errors.New("schema_json is not valid JSON")
		}
		return json.RawMessage(t.SchemaJSON), nil
	case t.Schema != nil:
		b, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("tool has no schema")
	}
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file atomically are seen.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(s.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "tenant.file.watch.error", slog.String("err", err.Error()))
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.log.ErrorContext(ctx, "tenant.file.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "tenant.file.reload.ok", slog.String("path", s.path))
		}
	}
}

var _ tenant.Store = (*Store)(nil)
