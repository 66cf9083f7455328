package multitenancy

import "errors"

var (
	// ErrConnectionUnavailable is returned when no physical connection could be
	// taken from a pool.
	ErrConnectionUnavailable = errors.New("multitenancy: connection unavailable")

	// ErrSchemaBinding is returned when the search_path statement fails.
	ErrSchemaBinding = errors.New("multitenancy: schema binding failed")

	// ErrUnknownSchema is returned when the tenant's schema does not exist.
	ErrUnknownSchema = errors.New("multitenancy: schema does not exist")

	// ErrReservedSchema is returned for system schema names.
	ErrReservedSchema = errors.New("multitenancy: reserved schema name")

	// ErrPoolClosed is returned by Acquire after the registry was closed.
	ErrPoolClosed = errors.New("multitenancy: pool closed")
)

// IsRetryable reports whether err is an infrastructure failure the caller may
// retry. Nothing in this package retries on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable) ||
		errors.Is(err, ErrSchemaBinding) ||
		errors.Is(err, ErrUnknownSchema)
}
