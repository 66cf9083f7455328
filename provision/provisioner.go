// Package provision onboards and decommissions tenant schemas. A new schema
// is cloned table by table from a template schema, seeded with an
// administrator and recorded in the catalog.
//
// Schema DDL is not transactional, so every step is written to be safely
// re-run: a failed Provision leaves a partial schema that the next call
// completes.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/catalog"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/events"
)

// ErrInvalidRequest is returned when a request lacks required fields.
var ErrInvalidRequest = errors.New("provision: invalid request")

// Catalog is the subset of *catalog.Store the provisioner needs.
type Catalog interface {
	Exists(ctx context.Context, schema multitenancy.ID) (bool, error)
	Insert(ctx context.Context, e catalog.Entry) (bool, error)
	Replace(ctx context.Context, e catalog.Entry) error
	Delete(ctx context.Context, schema multitenancy.ID) error
}

// Publisher announces lifecycle changes. *events.Publisher and
// *events.LocalPublisher implement it.
type Publisher interface {
	Publish(ctx context.Context, kind string, schema multitenancy.ID) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, multitenancy.ID) error { return nil }

// Target holds the connection parameters recorded in the catalog for every
// new tenant.
type Target struct {
	ConnectionURL string
	Username      string
	Credential    string
}

// Config configures a Provisioner.
type Config struct {
	// Conns hands out connections bound to a tenant schema. Required.
	Conns multitenancy.ConnSource

	// Catalog records provisioned schemas. Required.
	Catalog Catalog

	// Template is the schema whose tables are cloned. Defaults to public.
	Template multitenancy.ID

	Target    Target
	Publisher Publisher
	Logger    *zap.Logger

	// HashCost is the bcrypt cost for seeded passwords.
	HashCost int
}

// Request asks for a new tenant schema.
type Request struct {
	Name          string `json:"name"`
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`
}

// Result reports the outcome of Provision. Exactly one of Created and
// AlreadyExists is set on success.
type Result struct {
	Schema        multitenancy.ID `json:"schema"`
	Created       bool            `json:"created"`
	AlreadyExists bool            `json:"already_exists"`
	Tables        []string        `json:"tables,omitempty"`
}

// Provisioner creates, seeds and drops tenant schemas.
type Provisioner struct {
	config Config

	// mu serializes lifecycle changes within the process.
	mu sync.Mutex
}

// New creates a Provisioner.
func New(config Config) (*Provisioner, error) {
	if config.Conns == nil {
		return nil, fmt.Errorf("connection source is required")
	}
	if config.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if config.Template == "" {
		config.Template = multitenancy.Default
	}
	if config.Publisher == nil {
		config.Publisher = nopPublisher{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.HashCost == 0 {
		config.HashCost = bcrypt.DefaultCost
	}
	return &Provisioner{config: config}, nil
}

// Provision onboards req.Name. A schema already in the catalog is reported
// with AlreadyExists and left untouched. Any failure after the existence
// check is an *Error matching ErrProvisioning.
//
// Provisioning runs to completion even if ctx is cancelled.
func (p *Provisioner) Provision(ctx context.Context, req Request) (Result, error) {
	id, err := schemaName(req.Name)
	if err != nil {
		return Result{}, err
	}
	if req.AdminUsername == "" || req.AdminPassword == "" {
		return Result{}, fmt.Errorf("%w: admin username and password are required", ErrInvalidRequest)
	}
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.config.Logger.With(zap.String("schema", id.String()))

	exists, err := p.config.Catalog.Exists(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("check catalog for %s: %w", id, err)
	}
	if exists {
		logger.Info("schema already provisioned")
		return Result{Schema: id, AlreadyExists: true}, nil
	}

	logger.Info("provisioning schema", zap.String("template", p.config.Template.String()))

	tables, fks, err := p.cloneStructure(ctx, id)
	if err != nil {
		logger.Error("provisioning failed", zap.Error(err))
		return Result{Schema: id}, err
	}

	err = p.inSchema(ctx, id, func(conn *multitenancy.TenantConn) error {
		if err := applyForeignKeys(ctx, conn, id, fks); err != nil {
			return stepError(id, StepForeignKeys, err)
		}
		if err := p.seedAdmin(ctx, conn, req.AdminUsername, req.AdminPassword); err != nil {
			return stepError(id, StepSeed, err)
		}
		return nil
	})
	if err = asStep(id, StepForeignKeys, err); err != nil {
		logger.Error("provisioning failed", zap.Error(err))
		return Result{Schema: id}, err
	}

	if _, err := p.config.Catalog.Insert(ctx, catalog.Entry{
		Schema:        id,
		ConnectionURL: p.config.Target.ConnectionURL,
		Username:      p.config.Target.Username,
		Credential:    p.config.Target.Credential,
	}); err != nil {
		err = stepError(id, StepCatalog, err)
		logger.Error("provisioning failed", zap.Error(err))
		return Result{Schema: id}, err
	}

	logger.Info("schema provisioned", zap.Int("tables", len(tables)))
	p.publish(ctx, events.KindProvisioned, id)
	return Result{Schema: id, Created: true, Tables: tables}, nil
}

// cloneStructure creates the schema and its tables from the template, and
// returns the template's foreign keys for the caller to re-create.
func (p *Provisioner) cloneStructure(ctx context.Context, id multitenancy.ID) ([]string, []foreignKey, error) {
	var (
		tables []string
		fks    []foreignKey
	)
	tmpl := p.config.Template
	err := p.inSchema(ctx, tmpl, func(conn *multitenancy.TenantConn) error {
		if _, err := conn.Exec(ctx, createSchemaStatement(id)); err != nil {
			return stepError(id, StepCreateSchema, err)
		}

		var err error
		tables, err = listTables(ctx, conn, tmpl)
		if err != nil {
			return stepError(id, StepCloneTables, err)
		}
		if len(tables) == 0 {
			return stepError(id, StepCloneTables, fmt.Errorf("template schema %s has no tables", tmpl))
		}
		for _, t := range tables {
			if _, err := conn.Exec(ctx, cloneTableStatement(id, tmpl, t)); err != nil {
				return stepError(id, StepCloneTables, fmt.Errorf("table %s: %w", t, err))
			}
		}

		// read while bound to the template so references come back
		// unqualified and resolve inside the new schema
		fks, err = listForeignKeys(ctx, conn, tmpl)
		if err != nil {
			return stepError(id, StepForeignKeys, err)
		}
		return nil
	})
	return tables, fks, asStep(id, StepCreateSchema, err)
}

// SeedAdmin ensures an administrator exists in an already provisioned schema.
func (p *Provisioner) SeedAdmin(ctx context.Context, name, username, password string) error {
	id, err := schemaName(name)
	if err != nil {
		return err
	}
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrInvalidRequest)
	}
	exists, err := p.config.Catalog.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("check catalog for %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	err = p.inSchema(ctx, id, func(conn *multitenancy.TenantConn) error {
		return p.seedAdmin(ctx, conn, username, password)
	})
	if err != nil {
		return stepError(id, StepSeed, err)
	}
	p.config.Logger.Info("administrator seeded",
		zap.String("schema", id.String()), zap.String("username", username))
	return nil
}

// SchemaExists reports whether a schema named name exists in the database,
// regardless of catalog state. Reserved and empty names are refused.
func (p *Provisioner) SchemaExists(ctx context.Context, name string) (bool, error) {
	id, err := schemaName(name)
	if err != nil {
		return false, err
	}
	var exists bool
	err = p.inSchema(ctx, multitenancy.Default, func(conn *multitenancy.TenantConn) error {
		return conn.QueryRow(ctx, schemaExistsQuery, string(id)).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check schema %s: %w", id, err)
	}
	return exists, nil
}

// ListSchemas returns every non-system schema in the database.
func (p *Provisioner) ListSchemas(ctx context.Context) ([]multitenancy.ID, error) {
	var schemas []multitenancy.ID
	err := p.inSchema(ctx, multitenancy.Default, func(conn *multitenancy.TenantConn) error {
		rows, err := conn.Query(ctx, listSchemasQuery)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			if !multitenancy.IsReserved(name) {
				schemas = append(schemas, multitenancy.ID(name))
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	return schemas, nil
}

// Drop removes a tenant schema with everything in it and deletes its catalog
// entry. Reserved schemas are refused.
func (p *Provisioner) Drop(ctx context.Context, name string) error {
	id, err := schemaName(name)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.inSchema(ctx, multitenancy.Default, func(conn *multitenancy.TenantConn) error {
		_, err := conn.Exec(ctx, dropSchemaStatement(id))
		return err
	})
	if err != nil {
		return stepError(id, StepDrop, err)
	}
	if err := p.config.Catalog.Delete(ctx, id); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return stepError(id, StepCatalog, err)
	}

	p.config.Logger.Warn("schema dropped", zap.String("schema", id.String()))
	p.publish(ctx, events.KindDropped, id)
	return nil
}

// Rotate replaces the connection parameters recorded for a provisioned
// schema and tells every node to reopen its pool. Empty fields of target
// fall back to the configured Target.
func (p *Provisioner) Rotate(ctx context.Context, name string, target Target) error {
	id, err := schemaName(name)
	if err != nil {
		return err
	}
	if target.ConnectionURL == "" {
		target.ConnectionURL = p.config.Target.ConnectionURL
	}
	if target.Username == "" {
		target.Username = p.config.Target.Username
	}
	if target.Credential == "" {
		target.Credential = p.config.Target.Credential
	}
	ctx = context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.config.Catalog.Replace(ctx, catalog.Entry{
		Schema:        id,
		ConnectionURL: target.ConnectionURL,
		Username:      target.Username,
		Credential:    target.Credential,
	})
	if errors.Is(err, catalog.ErrNotFound) {
		return err
	}
	if err != nil {
		return stepError(id, StepCatalog, err)
	}

	p.config.Logger.Info("connection parameters rotated",
		zap.String("schema", id.String()), zap.String("username", target.Username))
	p.publish(ctx, events.KindRotated, id)
	return nil
}

// inSchema runs fn on a connection bound to schema.
func (p *Provisioner) inSchema(ctx context.Context, schema multitenancy.ID, fn func(conn *multitenancy.TenantConn) error) error {
	conn, err := p.config.Conns.Acquire(multitenancy.WithTenant(ctx, schema))
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// asStep attributes err to step unless it already names one.
func asStep(id multitenancy.ID, step string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return stepError(id, step, err)
}

func (p *Provisioner) publish(ctx context.Context, kind string, id multitenancy.ID) {
	if err := p.config.Publisher.Publish(ctx, kind, id); err != nil {
		p.config.Logger.Warn("failed to publish tenant event",
			zap.String("kind", kind), zap.String("schema", id.String()), zap.Error(err))
	}
}

func schemaName(raw string) (multitenancy.ID, error) {
	if multitenancy.IsReserved(raw) {
		return "", fmt.Errorf("%w: %q", ErrReservedSchema, raw)
	}
	return multitenancy.ID(multitenancy.Sanitize(raw)), nil
}
