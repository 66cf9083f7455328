package provision

import (
	"errors"
	"fmt"

	multitenancy "github.com/apsyadira-jubelio/go-pgx-schema-tenancy"
)

var (
	// ErrProvisioning marks a failure part way through onboarding. The schema
	// may exist in a partial state; retrying Provision completes it.
	ErrProvisioning = errors.New("provision: provisioning failed")

	// ErrReservedSchema is returned for system schema names.
	ErrReservedSchema = multitenancy.ErrReservedSchema
)

// Provisioning steps reported in Error.Step.
const (
	StepCreateSchema = "create_schema"
	StepCloneTables  = "clone_tables"
	StepForeignKeys  = "foreign_keys"
	StepSeed         = "seed"
	StepCatalog      = "catalog"
	StepDrop         = "drop"
)

// Error describes which step of provisioning failed for a schema.
type Error struct {
	Schema multitenancy.ID
	Step   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Schema, e.Step, e.Err)
}

// Unwrap exposes both ErrProvisioning and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{ErrProvisioning, e.Err}
}

func stepError(schema multitenancy.ID, step string, err error) error {
	return &Error{Schema: schema, Step: step, Err: err}
}
