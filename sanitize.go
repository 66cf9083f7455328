package multitenancy

import (
	"strings"
)

// ID names a tenant and, one to one, its PostgreSQL schema.
// A sanitized ID only contains [a-z0-9_].
type ID string

// Default is the neutral tenant used for bootstrap traffic, and the schema
// every connection returns to when released.
const Default ID = "public"

// maxIdentifierLen is PostgreSQL's NAMEDATALEN-1.
const maxIdentifierLen = 63

// Sanitize strips every character outside [a-zA-Z0-9_] and lower-cases the
// rest. It is the single SQL-injection defence for schema names, so every
// identifier from a header, path or body passes through it before reaching
// a query. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw) && b.Len() < maxIdentifierLen; i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		}
	}
	return b.String()
}

// Parse sanitizes raw and substitutes Default for an empty result.
func Parse(raw string) ID {
	s := Sanitize(raw)
	if s == "" {
		return Default
	}
	return ID(s)
}

// IsDefault reports whether id is the neutral tenant.
func (id ID) IsDefault() bool {
	return id == "" || id == Default
}

func (id ID) String() string {
	return string(id)
}

var reservedSchemas = map[string]struct{}{
	"public":             {},
	"information_schema": {},
	"tenancy":            {},
}

// IsReserved reports whether name is a system or infrastructure schema that
// must never be provisioned over or dropped.
func IsReserved(name string) bool {
	s := Sanitize(name)
	if s == "" || strings.HasPrefix(s, "pg_") {
		return true
	}
	_, ok := reservedSchemas[s]
	return ok
}
