package multitenancy

import (
	"context"
	"testing"
)

func TestWithTenant(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")

	if !HasTenant(ctx) {
		t.Errorf("HasTenant returned false for context with tenant")
	}
	if got := FromContext(ctx); got != "acme" {
		t.Errorf("Expected tenant ID acme, got %s", got)
	}
}

func TestWithTenantSanitizes(t *testing.T) {
	ctx := WithTenant(context.Background(), "Acme-School!")
	if got := FromContext(ctx); got != "acmeschool" {
		t.Errorf("Expected sanitized tenant acmeschool, got %s", got)
	}
}

func TestFromContextDefault(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != Default {
		t.Errorf("Expected default tenant, got %s", got)
	}
	if HasTenant(ctx) {
		t.Errorf("HasTenant returned true for empty context")
	}
}

func TestClear(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	cleared := Clear(ctx)

	if got := FromContext(cleared); got != Default {
		t.Errorf("Expected default tenant after clear, got %s", got)
	}
	if got := FromContext(ctx); got != "acme" {
		t.Errorf("Clear must not affect the parent context, got %s", got)
	}
	if got := FromContext(WithTenant(cleared, "other")); got != "other" {
		t.Errorf("Expected tenant set after clear to win, got %s", got)
	}
}
