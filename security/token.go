// Package security ties authentication tokens to the tenant they were issued
// under, so a token minted for one tenant cannot be replayed against another
// tenant's schema.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

var (
	// ErrInvalidToken is returned for tokens that fail parsing, signature or
	// time validation.
	ErrInvalidToken = errors.New("security: invalid token")

	// ErrTenantMismatch is returned when a token's tenant claim differs from
	// the tenant resolved for the request.
	ErrTenantMismatch = errors.New("security: token tenant mismatch")

	// ErrInvalidCredentials is returned when a username and password pair
	// does not authenticate.
	ErrInvalidCredentials = errors.New("security: invalid credentials")
)

// Claims are the JWT claims issued on login. TenantID is omitted for tokens
// issued under the default tenant.
type Claims struct {
	TenantID multitenancy.ID `json:"tenant_id,omitempty"`
	Username string          `json:"username,omitempty"`
	Roles    []string        `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated user.
type Principal struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// TokenConfig holds the signing parameters shared by Issuer and Binder.
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	return c
}

// Issuer signs tokens with HS256.
type Issuer struct {
	config TokenConfig
	now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(config TokenConfig) (*Issuer, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Issuer{config: config.withDefaults(), now: time.Now}, nil
}

// Issue signs a token for p. The tenant active in ctx is copied into the
// tenant_id claim unless it is the default tenant.
func (i *Issuer) Issue(ctx context.Context, p Principal) (string, error) {
	now := i.now()
	claims := Claims{
		Username: p.Username,
		Roles:    p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TTL)),
		},
	}
	if tenant := multitenancy.FromContext(ctx); !tenant.IsDefault() {
		claims.TenantID = tenant
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Binder verifies tokens and cross-checks their tenant claim.
type Binder struct {
	config TokenConfig
	parser *jwt.Parser
}

// NewBinder creates a Binder.
func NewBinder(config TokenConfig) (*Binder, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Binder{config: config.withDefaults(), parser: jwt.NewParser(opts...)}, nil
}

// Parse verifies the signature and time claims of token.
func (b *Binder) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := b.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.config.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// Bind verifies token and checks its tenant claim against the tenant in ctx.
// Tokens without a claim were issued under the default tenant and are
// accepted with any tenant. A mismatch is never downgraded to either side.
func (b *Binder) Bind(ctx context.Context, token string) (*Claims, error) {
	claims, err := b.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return claims, nil
	}

	claimed := multitenancy.Parse(string(claims.TenantID))
	if active := multitenancy.FromContext(ctx); claimed != active {
		return nil, fmt.Errorf("%w: token for %s, request for %s", ErrTenantMismatch, claimed, active)
	}
	return claims, nil
}
