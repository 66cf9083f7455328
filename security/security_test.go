package security

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/internal/fakepg"
)

var testConfig = TokenConfig{Secret: []byte("test-secret"), Issuer: "tenancyd", TTL: time.Hour}

func tokens(t *testing.T) (*Issuer, *Binder) {
	t.Helper()
	issuer, err := NewIssuer(testConfig)
	require.NoError(t, err)
	binder, err := NewBinder(testConfig)
	require.NoError(t, err)
	return issuer, binder
}

func tenantCtx(id string) context.Context {
	return multitenancy.WithTenant(context.Background(), multitenancy.ID(id))
}

func TestIssueCopiesTenantClaim(t *testing.T) {
	issuer, binder := tokens(t)

	token, err := issuer.Issue(tenantCtx("acme"), Principal{UserID: "u1", Username: "principal", Roles: []string{"admin"}})
	require.NoError(t, err)

	claims, err := binder.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, multitenancy.ID("acme"), claims.TenantID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}

func TestIssueOmitsDefaultTenant(t *testing.T) {
	issuer, binder := tokens(t)

	token, err := issuer.Issue(context.Background(), Principal{UserID: "u1"})
	require.NoError(t, err)

	claims, err := binder.Parse(token)
	require.NoError(t, err)
	assert.Empty(t, claims.TenantID)
}

func TestBindRejectsTokenForOtherTenant(t *testing.T) {
	issuer, binder := tokens(t)
	token, err := issuer.Issue(tenantCtx("acme"), Principal{UserID: "u1"})
	require.NoError(t, err)

	_, err = binder.Bind(tenantCtx("other"), token)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	// falling back to the default tenant does not unlock the token either
	_, err = binder.Bind(context.Background(), token)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	claims, err := binder.Bind(tenantCtx("ACME"), token)
	require.NoError(t, err)
	assert.Equal(t, multitenancy.ID("acme"), claims.TenantID)
}

func TestBindExemptsDefaultTenantTokens(t *testing.T) {
	issuer, binder := tokens(t)
	token, err := issuer.Issue(context.Background(), Principal{UserID: "u1"})
	require.NoError(t, err)

	for _, tenant := range []string{"acme", "other", ""} {
		_, err := binder.Bind(tenantCtx(tenant), token)
		assert.NoError(t, err, "tenant %q", tenant)
	}
}

func TestBindRejectsInvalidTokens(t *testing.T) {
	issuer, binder := tokens(t)

	expiredIssuer, err := NewIssuer(testConfig)
	require.NoError(t, err)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(tenantCtx("acme"), Principal{UserID: "u1"})
	require.NoError(t, err)

	otherKey, err := NewIssuer(TokenConfig{Secret: []byte("another-secret"), Issuer: "tenancyd"})
	require.NoError(t, err)
	forged, err := otherKey.Issue(tenantCtx("acme"), Principal{UserID: "u1"})
	require.NoError(t, err)

	wrongIssuer, err := NewIssuer(TokenConfig{Secret: testConfig.Secret, Issuer: "someone-else"})
	require.NoError(t, err)
	foreign, err := wrongIssuer.Issue(tenantCtx("acme"), Principal{UserID: "u1"})
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		TenantID: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tenancyd",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	valid, err := issuer.Issue(tenantCtx("acme"), Principal{UserID: "u1"})
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      expired,
		"forged":       forged,
		"wrong issuer": foreign,
		"alg none":     unsigned,
		"garbage":      "not.a.token",
		"truncated":    valid[:len(valid)-4],
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := binder.Bind(tenantCtx("acme"), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := NewIssuer(TokenConfig{})
	assert.Error(t, err)
	_, err = NewBinder(TokenConfig{})
	assert.Error(t, err)
}

// usersHandler serves the login queries for the acme schema only.
func usersHandler(t *testing.T, password string) fakepg.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	return func(conn *fakepg.Conn, sql string, args []any) (fakepg.Result, bool) {
		switch sql {
		case selectCredentials:
			if conn.SearchPath != "acme" || args[0] != "principal" {
				return fakepg.Result{}, true
			}
			return fakepg.Result{Rows: [][]any{{"u1", string(hash)}}}, true
		case selectRoles:
			return fakepg.Result{Rows: [][]any{{"admin"}, {"registrar"}}}, true
		}
		return fakepg.Result{}, false
	}
}

func newAuthenticator(t *testing.T) (*Authenticator, *fakepg.Pool) {
	pool := fakepg.NewPool(1, fakepg.Chain(fakepg.Session("public", "acme", "other"), usersHandler(t, "s3cret!")))
	return NewAuthenticator(multitenancy.NewProvider(pool), nil), pool
}

func TestAuthenticate(t *testing.T) {
	auth, pool := newAuthenticator(t)

	p, err := auth.Authenticate(tenantCtx("acme"), "principal", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "u1", Username: "principal", Roles: []string{"admin", "registrar"}}, p)

	for _, c := range pool.Idle() {
		assert.Equal(t, "public", c.SearchPath)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	auth, _ := newAuthenticator(t)

	tests := []struct {
		name, tenant, username, password string
	}{
		{"wrong password", "acme", "principal", "guess"},
		{"unknown user", "acme", "nobody", "s3cret!"},
		{"user of another tenant", "other", "principal", "s3cret!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authenticate(tenantCtx(tt.tenant), tt.username, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthenticateUnknownSchema(t *testing.T) {
	auth, _ := newAuthenticator(t)

	_, err := auth.Authenticate(tenantCtx("ghost"), "principal", "s3cret!")
	assert.ErrorIs(t, err, multitenancy.ErrUnknownSchema)
}
