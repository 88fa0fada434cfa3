// Package backendtest provides Backend fakes for tests.
package backendtest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wudi/tagcache/internal/backend"
)

var _ backend.Backend = (*Failing)(nil)

// ErrUnavailable is returned by Failing for every call.
var ErrUnavailable = errors.New("backend unavailable")

// Failing is a Backend whose every call fails, e.g. a Redis that is down.
type Failing struct {
	Err   error // defaults to ErrUnavailable
	calls atomic.Int64
}

func (f *Failing) fail() error {
	f.calls.Add(1)
	if f.Err != nil {
		return f.Err
	}
	return ErrUnavailable
}

// Calls returns how many backend calls were attempted.
func (f *Failing) Calls() int64 {
	return f.calls.Load()
}

func (f *Failing) Get(context.Context, string) ([]byte, error) {
	return nil, f.fail()
}

func (f *Failing) Set(context.Context, string, []byte, time.Duration) error {
	return f.fail()
}

func (f *Failing) Delete(context.Context, ...string) (int64, error) {
	return 0, f.fail()
}

func (f *Failing) AddToSet(context.Context, string, time.Duration, ...string) error {
	return f.fail()
}

func (f *Failing) Members(context.Context, string) ([]string, error) {
	return nil, f.fail()
}

func (f *Failing) Scan(context.Context, string, int64, func([]string) error) error {
	return f.fail()
}

func (f *Failing) MemoryUsage(context.Context) (int64, error) {
	return 0, f.fail()
}

func (f *Failing) Ping(context.Context) error {
	return f.fail()
}
