// Package httpapi is the fiber surface of tenancyd: tenant resolution,
// token binding, login, a tenant-scoped sample endpoint and the schema admin
// API.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/security"
)

// Authenticator checks login credentials. *security.Authenticator
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (security.Principal, error)
}

// TokenIssuer signs tokens. *security.Issuer implements it.
type TokenIssuer interface {
	Issue(ctx context.Context, p security.Principal) (string, error)
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Conns         multitenancy.ConnSource
	Schemas       SchemaAdmin
	Authenticator Authenticator
	Issuer        TokenIssuer
	Verifier      TokenVerifier

	// Gatherer backs GET /metrics when set.
	Gatherer prometheus.Gatherer

	// Health is called by GET /healthz when set.
	Health func(ctx context.Context) error

	TenantHeader string
	AdminKey     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// New assembles the application. Middleware order: recover, tenant
// resolution, access log, then routes; token binding and connection
// borrowing are attached to the /api group only.
func New(deps Deps) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "tenancyd",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(logger),
		ReadTimeout:           deps.ReadTimeout,
		WriteTimeout:          deps.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(TenantResolver(deps.TenantHeader))
	app.Use(AccessLog(logger))

	app.Get("/healthz", health(deps.Health))
	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Post("/auth/login", login(deps.Authenticator, deps.Issuer))

	api := app.Group("/api", TokenBinder(deps.Verifier), Connection(deps.Conns))
	api.Get("/me", me)

	registerAdmin(app.Group("/admin", AdminGuard(deps.AdminKey)), deps.Schemas)

	return app
}

func health(check func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if check != nil {
			if err := check(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string          `json:"token"`
	Tenant multitenancy.ID `json:"tenant"`
}

func login(auth Authenticator, issuer TokenIssuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req loginRequest
		if err := c.BodyParser(&req); err != nil || req.Username == "" || req.Password == "" {
			return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
		}

		ctx := c.UserContext()
		principal, err := auth.Authenticate(ctx, req.Username, req.Password)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(ctx, principal)
		if err != nil {
			return err
		}
		return c.JSON(loginResponse{Token: token, Tenant: TenantFromCtx(c)})
	}
}

const selectUsername = `SELECT username FROM users WHERE id = $1`

type meResponse struct {
	Tenant   multitenancy.ID `json:"tenant"`
	Schema   string          `json:"schema"`
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Roles    []string        `json:"roles"`
}

// me answers from the tenant schema: the session's current_schema and the
// caller's user row.
func me(c *fiber.Ctx) error {
	claims, ok := ClaimsFromCtx(c)
	if !ok {
		return fiber.ErrUnauthorized
	}
	conn, ok := ConnFromCtx(c)
	if !ok {
		return fiber.ErrInternalServerError
	}

	ctx := c.UserContext()
	resp := meResponse{Tenant: conn.Tenant(), UserID: claims.Subject, Roles: claims.Roles}
	if err := conn.QueryRow(ctx, "SELECT current_schema()").Scan(&resp.Schema); err != nil {
		return err
	}
	if err := conn.QueryRow(ctx, selectUsername, claims.Subject).Scan(&resp.Username); err != nil {
		return err
	}
	return c.JSON(resp)
}
