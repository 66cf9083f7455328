package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

// DefaultTenantHeader carries the tenant selector on inbound requests.
const DefaultTenantHeader = "X-Tenant-ID"

const (
	localTenant = "tenancy.tenant"
	localClaims = "tenancy.claims"
	localConn   = "tenancy.conn"
)

// TenantResolver publishes the tenant named by header into the request's
// user context and locals. A missing, blank or fully stripped header maps to
// the default tenant.
//
// It must be the first middleware after panic recovery. Fiber reuses Ctx
// values across requests, so the binding is cleared on every exit path.
func TenantResolver(header string) fiber.Handler {
	if header == "" {
		header = DefaultTenantHeader
	}
	return func(c *fiber.Ctx) error {
		parent := c.UserContext()

		tenant := multitenancy.Default
		if raw := strings.TrimSpace(c.Get(header)); raw != "" {
			tenant = multitenancy.Parse(raw)
		}

		c.SetUserContext(multitenancy.WithTenant(parent, tenant))
		c.Locals(localTenant, tenant)
		defer func() {
			c.SetUserContext(multitenancy.Clear(parent))
			c.Locals(localTenant, nil)
		}()

		return c.Next()
	}
}

// TenantFromCtx returns the tenant resolved for the request, or Default
// outside TenantResolver.
func TenantFromCtx(c *fiber.Ctx) multitenancy.ID {
	if id, ok := c.Locals(localTenant).(multitenancy.ID); ok {
		return id
	}
	return multitenancy.Default
}
