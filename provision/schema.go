package provision

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// AdminRole is the role seeded into every new schema.
const AdminRole = "admin"

const (
	listTablesQuery = `SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	listForeignKeysQuery = `SELECT con.conname, rel.relname, pg_get_constraintdef(con.oid)
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
		WHERE nsp.nspname = $1 AND con.contype = 'f'
		ORDER BY con.conname`

	constraintExistsQuery = `SELECT EXISTS (SELECT 1 FROM pg_constraint con
		JOIN pg_namespace nsp ON nsp.oid = con.connamespace
		WHERE nsp.nspname = $1 AND con.conname = $2)`

	schemaExistsQuery = `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`
	listSchemasQuery  = `SELECT schema_name FROM information_schema.schemata ORDER BY schema_name`

	// seed statements run on a connection bound to the tenant schema
	insertRole     = `INSERT INTO roles (id, name, description) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`
	selectRoleID   = `SELECT id::text FROM roles WHERE name = $1`
	insertUser     = `INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) ON CONFLICT (username) DO NOTHING`
	selectUserID   = `SELECT id::text FROM users WHERE username = $1`
	insertUserRole = `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
)

func quoteIdent(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

func createSchemaStatement(id multitenancy.ID) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(string(id))
}

func dropSchemaStatement(id multitenancy.ID) string {
	return "DROP SCHEMA IF EXISTS " + quoteIdent(string(id)) + " CASCADE"
}

// cloneTableStatement copies columns, defaults, checks, indexes and identity
// of a template table. LIKE does not copy foreign keys.
func cloneTableStatement(id, tmpl multitenancy.ID, table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)",
		quoteIdent(string(id), table), quoteIdent(string(tmpl), table))
}

func addConstraintStatement(fk foreignKey) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		quoteIdent(fk.Table), quoteIdent(fk.Name), fk.Definition)
}

func listTables(ctx context.Context, q multitenancy.Querier, schema multitenancy.ID) ([]string, error) {
	rows, err := q.Query(ctx, listTablesQuery, string(schema))
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

type foreignKey struct {
	Name       string
	Table      string
	Definition string
}

func listForeignKeys(ctx context.Context, q multitenancy.Querier, schema multitenancy.ID) ([]foreignKey, error) {
	rows, err := q.Query(ctx, listForeignKeysQuery, string(schema))
	if err != nil {
		return nil, fmt.Errorf("list foreign keys of %s: %w", schema, err)
	}
	defer rows.Close()

	var fks []foreignKey
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.Name, &fk.Table, &fk.Definition); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// applyForeignKeys adds each missing constraint. conn must be bound to id so
// the unqualified table names resolve there.
func applyForeignKeys(ctx context.Context, conn multitenancy.Querier, id multitenancy.ID, fks []foreignKey) error {
	for _, fk := range fks {
		var exists bool
		if err := conn.QueryRow(ctx, constraintExistsQuery, string(id), fk.Name).Scan(&exists); err != nil {
			return fmt.Errorf("check constraint %s: %w", fk.Name, err)
		}
		if exists {
			continue
		}
		if _, err := conn.Exec(ctx, addConstraintStatement(fk)); err != nil {
			return fmt.Errorf("add constraint %s: %w", fk.Name, err)
		}
	}
	return nil
}

// seedAdmin ensures the admin role, the user and their mapping exist. An
// existing user keeps its password.
func (p *Provisioner) seedAdmin(ctx context.Context, conn multitenancy.Querier, username, password string) error {
	if _, err := conn.Exec(ctx, insertRole, uuid.NewString(), AdminRole, "Tenant administrator"); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	var roleID string
	if err := conn.QueryRow(ctx, selectRoleID, AdminRole).Scan(&roleID); err != nil {
		return fmt.Errorf("select role: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.HashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := conn.Exec(ctx, insertUser, uuid.NewString(), username, string(hash)); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	var userID string
	if err := conn.QueryRow(ctx, selectUserID, username).Scan(&userID); err != nil {
		return fmt.Errorf("select user: %w", err)
	}

	if _, err := conn.Exec(ctx, insertUserRole, userID, roleID); err != nil {
		return fmt.Errorf("insert user role: %w", err)
	}
	return nil
}
