package multitenancy

import (
	"math/rand"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme", "acme"},
		{"Acme-School!", "acmeschool"},
		{"acme_school", "acme_school"},
		{`x"; DROP SCHEMA public; --`, "xdropschemapublic"},
		{"  Tenant 42 ", "tenant42"},
		{"école", "cole"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
	}
}

func TestSanitizeIsTotalAndIdempotent(t *testing.T) {
	allowed := regexp.MustCompile(`^[a-z0-9_]*$`)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		b := make([]byte, rng.Intn(96))
		for j := range b {
			b[j] = byte(rng.Intn(256))
		}
		raw := string(b)

		once := Sanitize(raw)
		if !allowed.MatchString(once) {
			t.Fatalf("Sanitize(%q) = %q contains forbidden characters", raw, once)
		}
		if len(once) > maxIdentifierLen {
			t.Fatalf("Sanitize(%q) is %d bytes long", raw, len(once))
		}
		if twice := Sanitize(once); twice != once {
			t.Fatalf("Sanitize not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	}
}

func TestSanitizeTruncatesToIdentifierLimit(t *testing.T) {
	got := Sanitize(strings.Repeat("Ab-", 100))
	assert.Len(t, got, maxIdentifierLen)
	assert.Equal(t, got, Sanitize(got))
}

func TestParse(t *testing.T) {
	assert.Equal(t, ID("acmeschool"), Parse("Acme-School!"))
	assert.Equal(t, Default, Parse(""))
	assert.Equal(t, Default, Parse("!!!"))
	assert.True(t, Parse("   ").IsDefault())
	assert.False(t, Parse("a").IsDefault())
}

func TestIsReserved(t *testing.T) {
	for _, name := range []string{"public", "PUBLIC", "information_schema", "pg_catalog", "pg_toast", "tenancy", "", "!!"} {
		assert.True(t, IsReserved(name), name)
	}
	for _, name := range []string{"acme", "acme_school", "pgx"} {
		assert.False(t, IsReserved(name), name)
	}
}
