package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/catalog"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/provision"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/security"
)

// statusFor maps an error to its HTTP status and the message shown to the
// client. Internal details are only exposed for client errors.
func statusFor(err error) (int, string) {
	var fe *fiber.Error
	var pe *provision.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.Is(err, security.ErrTenantMismatch):
		return fiber.StatusUnauthorized, "token was not issued for this tenant"
	case errors.Is(err, security.ErrInvalidToken):
		return fiber.StatusUnauthorized, "invalid token"
	case errors.Is(err, security.ErrInvalidCredentials):
		return fiber.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, multitenancy.ErrReservedSchema), errors.Is(err, provision.ErrInvalidRequest):
		return fiber.StatusBadRequest, err.Error()
	case errors.As(err, &pe):
		return fiber.StatusInternalServerError, "provisioning failed at step " + pe.Step
	case errors.Is(err, catalog.ErrNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, pgx.ErrNoRows):
		return fiber.StatusNotFound, "not found"
	case multitenancy.IsRetryable(err):
		return fiber.StatusServiceUnavailable, "tenant database unavailable"
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

// ErrorHandler renders errors as {"error": "..."} with the status from
// statusFor.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, msg := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			logger.Error("handler error", zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		}
		body := fiber.Map{"error": msg}
		var pe *provision.Error
		if errors.As(err, &pe) {
			body["schema"] = pe.Schema
			body["step"] = pe.Step
		}
		return c.Status(code).JSON(body)
	}
}
