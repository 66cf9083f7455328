// Package catalog persists one row per tenant schema with the parameters
// needed to reach it. The catalog is read at startup to rehydrate the
// routing registry and consulted before provisioning.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// ErrNotFound is returned when a schema has no catalog entry.
var ErrNotFound = errors.New("catalog: schema not found")

// Entry is the catalog record of one tenant schema. Entries are never
// updated field by field; rotation replaces the whole row.
type Entry struct {
	Schema        multitenancy.ID `json:"schema"`
	ConnectionURL string          `json:"connection_url"`
	Username      string          `json:"username"`
	Credential    string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DSN converts the entry into connection settings for a dedicated pool.
func (e Entry) DSN() multitenancy.DSNConfig {
	return multitenancy.DSNConfig{
		ConnectionURL: e.ConnectionURL,
		Username:      e.Username,
		Password:      e.Credential,
		Schema:        e.Schema,
	}
}

const (
	selectEntry = `SELECT schema_name, connection_url, username, credential, created_at
		FROM tenancy.schema_catalog WHERE schema_name = $1`
	selectEntries = `SELECT schema_name, connection_url, username, credential, created_at
		FROM tenancy.schema_catalog ORDER BY schema_name`
	existsEntry = `SELECT EXISTS (SELECT 1 FROM tenancy.schema_catalog WHERE schema_name = $1)`
	insertEntry = `INSERT INTO tenancy.schema_catalog (schema_name, connection_url, username, credential)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schema_name) DO NOTHING`
	replaceEntry = `UPDATE tenancy.schema_catalog
		SET connection_url = $2, username = $3, credential = $4, created_at = now()
		WHERE schema_name = $1`
	deleteEntry = `DELETE FROM tenancy.schema_catalog WHERE schema_name = $1`
)

// Store reads and writes catalog entries.
type Store struct {
	db multitenancy.Querier
}

// NewStore creates a Store. db is usually the shared *pgxpool.Pool.
func NewStore(db multitenancy.Querier) *Store {
	return &Store{db: db}
}

// Get returns the entry for schema.
func (s *Store) Get(ctx context.Context, schema multitenancy.ID) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, selectEntry, string(schema)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, schema)
		}
		return Entry{}, fmt.Errorf("get catalog entry %s: %w", schema, err)
	}
	return e, nil
}

// Exists reports whether schema has an entry.
func (s *Store) Exists(ctx context.Context, schema multitenancy.ID) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, existsEntry, string(schema)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check catalog entry %s: %w", schema, err)
	}
	return exists, nil
}

// List returns every entry ordered by schema name.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, selectEntries)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Insert stores a new entry. It reports false when the schema already had
// one, which is left untouched.
func (s *Store) Insert(ctx context.Context, e Entry) (bool, error) {
	tag, err := s.db.Exec(ctx, insertEntry, string(e.Schema), e.ConnectionURL, e.Username, e.Credential)
	if err != nil {
		return false, fmt.Errorf("insert catalog entry %s: %w", e.Schema, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Replace swaps all connection parameters of an existing entry at once.
func (s *Store) Replace(ctx context.Context, e Entry) error {
	tag, err := s.db.Exec(ctx, replaceEntry, string(e.Schema), e.ConnectionURL, e.Username, e.Credential)
	return affectedOne(tag, err, "replace", e.Schema)
}

// Delete removes the entry as part of decommissioning a tenant.
func (s *Store) Delete(ctx context.Context, schema multitenancy.ID) error {
	tag, err := s.db.Exec(ctx, deleteEntry, string(schema))
	return affectedOne(tag, err, "delete", schema)
}

func affectedOne(tag pgconn.CommandTag, err error, op string, schema multitenancy.ID) error {
	if err != nil {
		return fmt.Errorf("%s catalog entry %s: %w", op, schema, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, schema)
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var schema string
	if err := row.Scan(&schema, &e.ConnectionURL, &e.Username, &e.Credential, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Schema = multitenancy.ID(schema)
	return e, nil
}
