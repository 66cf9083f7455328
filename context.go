package multitenancy

import (
	"context"
)

type tenantKey struct{}

// tenantValue wraps the ID so a cleared context can be told apart from one
// that never carried a tenant.
type tenantValue struct {
	id      ID
	cleared bool
}

// WithTenant returns a new context carrying the tenant ID.
// The ID is sanitized, so callers may pass raw input.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantValue{id: Parse(string(id))})
}

// FromContext returns the tenant bound to ctx, or Default when none is set
// or the binding was cleared.
func FromContext(ctx context.Context) ID {
	v, ok := ctx.Value(tenantKey{}).(tenantValue)
	if !ok || v.cleared || v.id == "" {
		return Default
	}
	return v.id
}

// HasTenant reports whether ctx carries a live, non-default tenant.
func HasTenant(ctx context.Context) bool {
	return !FromContext(ctx).IsDefault()
}

// Clear returns a context in which the tenant binding is masked.
// Reads through the returned context yield Default.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantValue{cleared: true})
}
