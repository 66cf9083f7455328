package httpapi

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
	"github.com/apsyadira-jubelio/go-pgx-schema-tenancy/provision"
)

// AdminKeyHeader authenticates calls to the admin surface.
const AdminKeyHeader = "X-Admin-Key"

// SchemaAdmin manages tenant schemas. *provision.Provisioner implements it.
type SchemaAdmin interface {
	Provision(ctx context.Context, req provision.Request) (provision.Result, error)
	SchemaExists(ctx context.Context, name string) (bool, error)
	ListSchemas(ctx context.Context) ([]multitenancy.ID, error)
	SeedAdmin(ctx context.Context, name, username, password string) error
	Rotate(ctx context.Context, name string, target provision.Target) error
	Drop(ctx context.Context, name string) error
}

// AdminGuard rejects requests whose admin key does not match key. An empty
// key disables the admin surface.
func AdminGuard(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(AdminKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid admin key")
		}
		return c.Next()
	}
}

type adminHandler struct {
	schemas SchemaAdmin
}

func registerAdmin(router fiber.Router, schemas SchemaAdmin) {
	h := &adminHandler{schemas: schemas}
	router.Post("/schemas", h.create)
	router.Get("/schemas", h.list)
	router.Get("/schemas/:name", h.exists)
	router.Post("/schemas/:name/admin", h.seedAdmin)
	router.Post("/schemas/:name/rotate", h.rotate)
	router.Delete("/schemas/:name", h.drop)
}

func (h *adminHandler) create(c *fiber.Ctx) error {
	var req provision.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	res, err := h.schemas.Provision(c.UserContext(), req)
	if err != nil {
		return err
	}
	status := fiber.StatusCreated
	if res.AlreadyExists {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (h *adminHandler) list(c *fiber.Ctx) error {
	schemas, err := h.schemas.ListSchemas(c.UserContext())
	if err != nil {
		return err
	}
	if schemas == nil {
		schemas = []multitenancy.ID{}
	}
	return c.JSON(fiber.Map{"schemas": schemas})
}

func (h *adminHandler) exists(c *fiber.Ctx) error {
	exists, err := h.schemas.SchemaExists(c.UserContext(), c.Params("name"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"schema": multitenancy.Parse(c.Params("name")), "exists": exists})
}

type seedAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *adminHandler) seedAdmin(c *fiber.Ctx) error {
	var req seedAdminRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.schemas.SeedAdmin(c.UserContext(), c.Params("name"), req.Username, req.Password); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"schema":   multitenancy.Parse(c.Params("name")),
		"username": req.Username,
	})
}

// rotateRequest carries replacement connection parameters. Omitted fields
// keep the provisioner's defaults.
type rotateRequest struct {
	ConnectionURL string `json:"connection_url"`
	Username      string `json:"username"`
	Credential    string `json:"credential"`
}

func (h *adminHandler) rotate(c *fiber.Ctx) error {
	var req rotateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	err := h.schemas.Rotate(c.UserContext(), c.Params("name"), provision.Target{
		ConnectionURL: req.ConnectionURL,
		Username:      req.Username,
		Credential:    req.Credential,
	})
	if err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *adminHandler) drop(c *fiber.Ctx) error {
	if err := h.schemas.Drop(c.UserContext(), c.Params("name")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
