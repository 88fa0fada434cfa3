// Package eligibility decides whether a query result may be cached.
package eligibility

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the longest identifier considered cacheable.
const DefaultMaxLength = 10000

// DefaultWritePrefixes mark statements that modify data.
var DefaultWritePrefixes = []string{"insert", "update", "delete"}

// NonDeterministic lists constructs whose result changes between executions.
var NonDeterministic = []string{
	"NOW()",
	"CURRENT_TIMESTAMP",
	"CURRENT_DATE",
	"CURRENT_TIME",
	"LOCALTIMESTAMP",
	"RANDOM()",
	"RAND()",
	"UUID()",
	"GEN_RANDOM_UUID()",
	"UUID_GENERATE_V4()",
}

// Rule inspects an identifier and returns a non-empty reason to reject it.
type Rule func(identifier string) string

// Filter applies the eligibility rules. It is immutable after New and safe for
// concurrent use.
type Filter struct {
	maxLength     int
	writePrefixes []string
	rules         []Rule
}

// Option configures a Filter.
type Option func(*Filter)

// WithMaxLength sets the identifier length limit in characters.
func WithMaxLength(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.maxLength = n
		}
	}
}

// WithWritePrefixes adds statement prefixes that are never cached.
func WithWritePrefixes(prefixes ...string) Option {
	return func(f *Filter) {
		for _, p := range prefixes {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				f.writePrefixes = append(f.writePrefixes, p)
			}
		}
	}
}

// WithRule appends a custom rule evaluated after the built-in ones.
func WithRule(r Rule) Option {
	return func(f *Filter) {
		if r != nil {
			f.rules = append(f.rules, r)
		}
	}
}

// New creates a Filter with the default rules plus any options.
func New(opts ...Option) *Filter {
	f := &Filter{
		maxLength:     DefaultMaxLength,
		writePrefixes: append([]string(nil), DefaultWritePrefixes...),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ShouldCache reports whether results for identifier may be cached.
func (f *Filter) ShouldCache(identifier string) bool {
	ok, _ := f.Check(identifier)
	return ok
}

// Check is ShouldCache with the reason for a rejection.
func (f *Filter) Check(identifier string) (bool, string) {
	if n := utf8.RuneCountInString(identifier); n > f.maxLength {
		return false, fmt.Sprintf("identifier length %d exceeds %d", n, f.maxLength)
	}

	lower := strings.ToLower(strings.TrimLeft(identifier, " \t\r\n"))
	for _, p := range f.writePrefixes {
		if strings.HasPrefix(lower, p) {
			return false, "write statement: " + p
		}
	}

	upper := strings.ToUpper(identifier)
	for _, c := range NonDeterministic {
		if strings.Contains(upper, c) {
			return false, "non-deterministic construct: " + c
		}
	}

	for _, r := range f.rules {
		if reason := r(identifier); reason != "" {
			return false, reason
		}
	}
	return true, ""
}
