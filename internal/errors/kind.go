package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies failures raised inside the cache subsystem.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBackendUnavailable covers connection, timeout, protocol and breaker-open errors.
	KindBackendUnavailable
	// KindSerialization covers corrupt or incompatible cached payloads.
	KindSerialization
	// KindInvalidationFailure covers tag or pattern scan/delete failures.
	KindInvalidationFailure
	// KindConfiguration covers malformed policies and configuration.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindSerialization:
		return "serialization"
	case KindInvalidationFailure:
		return "invalidation_failure"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// CacheError carries the kind, the operation and the key involved in a failure.
type CacheError struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *CacheError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// Is matches another *CacheError by kind, so errors.Is(err, &CacheError{Kind: k}) works.
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds a CacheError.
func E(kind Kind, op, key string, err error) *CacheError {
	return &CacheError{Kind: kind, Op: op, Key: key, Err: err}
}

// Configurationf builds a configuration error with a formatted message.
func Configurationf(op, format string, args ...any) *CacheError {
	return &CacheError{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first CacheError in err's chain.
func KindOf(err error) Kind {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
