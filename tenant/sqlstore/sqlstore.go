// Package sqlstore implements tenant.Store on SQLite using modernc.org/sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/tenant"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed tenant store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the database at path and ensures the schema.
// Parent directories are created if needed. Use ":memory:" for a private
// in-memory database.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "tenant-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// foreign_keys is per connection; set it on the DSN for every pooled one.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("tenant store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			owner_id   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tools (
			id                        TEXT NOT NULL,
			tenant_id                 TEXT NOT NULL,
			position                  INTEGER NOT NULL,
			owner_id                  TEXT NOT NULL DEFAULT '',
			schema_json               TEXT NOT NULL,
			backend_kind              TEXT NOT NULL DEFAULT 'execute',
			backend_url               TEXT NOT NULL DEFAULT '',
			backend_token             TEXT NOT NULL DEFAULT '',
			backend_app               TEXT NOT NULL DEFAULT '',
			backend_auth_provision_id TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (tenant_id, id),
			FOREIGN KEY (tenant_id) REFERENCES tenants(id) ON DELETE CASCADE,
			CHECK (backend_kind IN ('execute', 'rest', 'action'))
		);

		CREATE INDEX IF NOT EXISTS idx_tools_tenant_position ON tools(tenant_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupTenant implements tenant.Store.
func (s *Store) LookupTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t := &tenant.Tenant{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name, owner_id FROM tenants WHERE id = ?`, id).Scan(&t.Name, &t.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, tenant.ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, schema_json, backend_kind, backend_url, backend_token, backend_app, backend_auth_provision_id
		FROM tools WHERE tenant_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			toolID, ownerID, schema string
			b                       tenant.Backend
			kind                    string
		)
		if err := rows.Scan(&toolID, &ownerID, &schema, &kind, &b.URL, &b.Token, &b.App, &b.AuthProvisionID); err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		b.Kind = tenant.BackendKind(kind)
		td, err := tenant.NewToolDescriptor(toolID, ownerID, []byte(schema), b)
		if err != nil {
			s.logger.WarnContext(ctx, "tenant.tool.skip", slog.String("tenant_id", id), slog.String("err", err.Error()))
			continue
		}
		t.Tools = append(t.Tools, td)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tools: %w", err)
	}

	return t, nil
}

// UpsertTenant writes t and replaces its toolset in one transaction. Tool
// order is preserved.
func (s *Store) UpsertTenant(ctx context.Context, t tenant.Tenant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id, updated_at = excluded.updated_at
	`, t.ID, t.Name, t.OwnerID, now, now); err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE tenant_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clearing tools: %w", err)
	}

	for i, td := range t.Tools {
		kind := td.Backend.Kind
		if kind == "" {
			kind = tenant.BackendExecute
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tools (id, tenant_id, position, owner_id, schema_json, backend_kind, backend_url, backend_token, backend_app, backend_auth_provision_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, td.ID, t.ID, i, td.OwnerID, string(td.Schema), string(kind), td.Backend.URL, td.Backend.Token, td.Backend.App, td.Backend.AuthProvisionID); err != nil {
			return fmt.Errorf("inserting tool %s: %w", td.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteTenant removes a tenant and its tools.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s: %w", id, tenant.ErrTenantNotFound)
	}
	return nil
}

var _ tenant.Store = (*Store)(nil)
