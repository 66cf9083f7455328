package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/security"
)

// TokenVerifier checks a bearer token against the request tenant.
// *security.Binder implements it.
type TokenVerifier interface {
	Bind(ctx context.Context, token string) (*security.Claims, error)
}

// TokenBinder is the single point where a token's tenant claim is checked
// against the resolved tenant. It must run after TenantResolver and before
// any tenant-scoped handler; every failure is a 401.
func TokenBinder(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := verifier.Bind(c.UserContext(), token)
		if err != nil {
			return err
		}

		c.Locals(localClaims, claims)
		defer c.Locals(localClaims, nil)
		return c.Next()
	}
}

// ClaimsFromCtx returns the claims TokenBinder accepted.
func ClaimsFromCtx(c *fiber.Ctx) (*security.Claims, bool) {
	claims, ok := c.Locals(localClaims).(*security.Claims)
	return claims, ok && claims != nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Connection borrows a tenant-bound connection for the rest of the chain
// and releases it when the request completes, whatever the outcome.
func Connection(conns multitenancy.ConnSource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		conn, err := conns.Acquire(c.UserContext())
		if err != nil {
			return err
		}
		c.Locals(localConn, conn)
		defer func() {
			c.Locals(localConn, nil)
			conn.Release()
		}()
		return c.Next()
	}
}

// ConnFromCtx returns the connection Connection borrowed.
func ConnFromCtx(c *fiber.Ctx) (*multitenancy.TenantConn, bool) {
	conn, ok := c.Locals(localConn).(*multitenancy.TenantConn)
	return conn, ok && conn != nil
}

// AccessLog logs one line per request. It runs inside TenantResolver so the
// tenant is still known when the line is written.
func AccessLog(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status, _ = statusFor(err)
		}
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("tenant", TenantFromCtx(c).String()),
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			logger.Error("request failed", append(fields, zap.Error(err))...)
		case err != nil:
			logger.Info("request rejected", append(fields, zap.Error(err))...)
		default:
			logger.Debug("request", fields...)
		}
		return err
	}
}
