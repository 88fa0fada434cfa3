package keycodec

import (
	"regexp"
	"testing"
)

var keyPattern = regexp.MustCompile(`^q:[0-9a-f]{16}$`)

func TestGenerateDeterministic(t *testing.T) {
	a := Generate("SELECT * FROM users WHERE id = $1", []any{42})
	b := Generate("SELECT * FROM users WHERE id = $1", []any{42})
	if a != b {
		t.Fatalf("expected same key, got %q and %q", a, b)
	}
	if !keyPattern.MatchString(a) {
		t.Errorf("key %q does not match q:<16 hex>", a)
	}
}

func TestGenerateNormalizesWhitespace(t *testing.T) {
	a := Generate("SELECT *\n  FROM users\tWHERE id = $1 ", []any{1})
	b := Generate("SELECT * FROM users WHERE id = $1", []any{1})
	if a != b {
		t.Errorf("whitespace should not change the key: %q vs %q", a, b)
	}
}

func TestGenerateDistinguishesInputs(t *testing.T) {
	tests := []struct {
		name string
		id1  string
		p1   []any
		id2  string
		p2   []any
	}{
		{"different params", "q", []any{1}, "q", []any{2}},
		{"different identifier", "a", nil, "b", nil},
		{"param types", "q", []any{1}, "q", []any{"1"}},
		{"param order", "q", []any{1, 2}, "q", []any{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Generate(tt.id1, tt.p1) == Generate(tt.id2, tt.p2) {
				t.Error("expected different keys")
			}
		})
	}
}

func TestGenerateNilAndEmptyParamsMatch(t *testing.T) {
	if Generate("q", nil) != Generate("q", []any{}) {
		t.Error("nil and empty params should produce the same key")
	}
}

func TestGenerateUnencodableParams(t *testing.T) {
	ch := make(chan int)
	key := Generate("q", []any{ch})
	if !keyPattern.MatchString(key) {
		t.Errorf("expected a key for unencodable params, got %q", key)
	}
	if key == Generate("q", nil) {
		t.Error("unencodable params should still affect the key")
	}
}

func TestResolve(t *testing.T) {
	custom := func(args []any) string { return "user:custom" }
	if got := Resolve(custom, "ignored", []any{1}); got != "user:custom" {
		t.Errorf("expected custom key, got %q", got)
	}
	if got := Resolve(nil, "q", []any{1}); got != Generate("q", []any{1}) {
		t.Errorf("expected generated key, got %q", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  a  b ", "a b"},
		{"a\n\tb", "a b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func BenchmarkGenerate(b *testing.B) {
	params := []any{42, "active", true}
	for i := 0; i < b.N; i++ {
		Generate("SELECT * FROM users WHERE id = $1 AND status = $2 AND verified = $3", params)
	}
}
