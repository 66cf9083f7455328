package security

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

const (
	selectCredentials = `SELECT id::text, password_hash FROM users WHERE username = $1`
	selectRoles       = `SELECT r.name FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`
)

// dummyHash is compared against when the user does not exist, so unknown
// usernames take as long to reject as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("tenancy-dummy-password"), bcrypt.DefaultCost)

// Authenticator checks credentials against the users table of the tenant in
// the request context.
type Authenticator struct {
	conns  multitenancy.ConnSource
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator. logger may be nil.
func NewAuthenticator(conns multitenancy.ConnSource, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{conns: conns, logger: logger}
}

// Authenticate returns the principal for username within the tenant schema
// of ctx.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (Principal, error) {
	conn, err := a.conns.Acquire(ctx)
	if err != nil {
		return Principal{}, err
	}
	defer conn.Release()

	var p Principal
	var hash string
	err = conn.QueryRow(ctx, selectCredentials, username).Scan(&p.UserID, &hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		a.logger.Info("login rejected", zap.String("tenant", conn.Tenant().String()), zap.String("reason", "unknown user"))
		return Principal{}, ErrInvalidCredentials
	case err != nil:
		return Principal{}, fmt.Errorf("look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		a.logger.Info("login rejected", zap.String("tenant", conn.Tenant().String()), zap.String("reason", "password"))
		return Principal{}, ErrInvalidCredentials
	}

	rows, err := conn.Query(ctx, selectRoles, p.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return Principal{}, fmt.Errorf("scan role: %w", err)
		}
		p.Roles = append(p.Roles, role)
	}
	if err := rows.Err(); err != nil {
		return Principal{}, fmt.Errorf("load roles: %w", err)
	}

	p.Username = username
	return p, nil
}
