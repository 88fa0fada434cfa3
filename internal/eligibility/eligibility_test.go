package eligibility

import (
	"strings"
	"testing"
)

func TestShouldCache(t *testing.T) {
	f := New()

	tests := []struct {
		name       string
		identifier string
		want       bool
	}{
		{"plain select", "SELECT * FROM users WHERE id=$1", true},
		{"update", "UPDATE users SET x=1", false},
		{"insert lowercase", "insert into users values ($1)", false},
		{"delete with leading whitespace", "  \n DELETE FROM users", false},
		{"now", "SELECT NOW()", false},
		{"now lowercase", "select now()", false},
		{"current timestamp", "SELECT * FROM t WHERE ts < CURRENT_TIMESTAMP", false},
		{"current date", "SELECT CURRENT_DATE", false},
		{"localtimestamp", "SELECT localtimestamp", false},
		{"random", "SELECT * FROM t ORDER BY RANDOM()", false},
		{"rand", "SELECT RAND()", false},
		{"uuid", "SELECT UUID()", false},
		{"gen_random_uuid", "SELECT gen_random_uuid()", false},
		{"uuid_generate_v4", "SELECT uuid_generate_v4()", false},
		{"column named updated_at", "SELECT updated_at FROM users", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.ShouldCache(tt.identifier); got != tt.want {
				t.Errorf("ShouldCache(%q) = %v, want %v", tt.identifier, got, tt.want)
			}
		})
	}
}

func TestMaxLength(t *testing.T) {
	f := New()
	long := "SELECT " + strings.Repeat("a", DefaultMaxLength)
	ok, reason := f.Check(long)
	if ok {
		t.Fatal("expected long identifier to be rejected")
	}
	if !strings.Contains(reason, "exceeds") {
		t.Errorf("unexpected reason %q", reason)
	}

	exact := strings.Repeat("a", DefaultMaxLength)
	if !f.ShouldCache(exact) {
		t.Error("identifier at the limit should be cacheable")
	}

	short := New(WithMaxLength(10))
	if short.ShouldCache("SELECT 1234567") {
		t.Error("expected custom limit to apply")
	}
}

func TestWithWritePrefixes(t *testing.T) {
	f := New(WithWritePrefixes("MERGE", " upsert "))
	if f.ShouldCache("MERGE INTO t USING s") {
		t.Error("expected MERGE to be rejected")
	}
	if f.ShouldCache("upsert t") {
		t.Error("expected upsert to be rejected")
	}
	if f.ShouldCache("UPDATE t SET a=1") {
		t.Error("default prefixes must still apply")
	}
}

func TestWithRule(t *testing.T) {
	noLock := func(id string) string {
		if strings.Contains(strings.ToUpper(id), "FOR UPDATE") {
			return "row lock"
		}
		return ""
	}
	f := New(WithRule(noLock))

	ok, reason := f.Check("SELECT * FROM t FOR UPDATE")
	if ok || reason != "row lock" {
		t.Errorf("Check = %v, %q; want false, row lock", ok, reason)
	}
	if !f.ShouldCache("SELECT * FROM t") {
		t.Error("expected plain select to pass custom rule")
	}
}

func TestCheckReason(t *testing.T) {
	ok, reason := New().Check("SELECT NOW()")
	if ok {
		t.Fatal("expected rejection")
	}
	if reason != "non-deterministic construct: NOW()" {
		t.Errorf("unexpected reason %q", reason)
	}
}
