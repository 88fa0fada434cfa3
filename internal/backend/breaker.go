package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long to reject before probing again
	HalfOpenRequests uint32        // probes allowed while half-open

	// OnStateChange is called on every transition, e.g. to export a gauge.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Breaker wraps a Backend in a circuit breaker so an unreachable store is
// rejected quickly instead of timing out on every call. Missing keys and
// caller cancellation do not count as failures.
type Breaker struct {
	next Backend
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Backend, s BreakerSettings) *Breaker {
	threshold := s.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	halfOpen := s.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	name := s.Name
	if name == "" {
		name = "backend"
	}

	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: halfOpen,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: s.OnStateChange,
			IsSuccessful:  isBreakerSuccess,
		}),
	}
}

func isBreakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrWrongType) ||
		errors.Is(err, context.Canceled)
}

// IsRejected reports whether err was produced by an open or saturated breaker.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the breaker state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the breaker's current counters.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Get(ctx, key)
	})
	data, _ := v.([]byte)
	return data, err
}

func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Set(ctx, key, value, ttl)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, keys ...string) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Delete(ctx, keys...)
	})
	n, _ := v.(int64)
	return n, err
}

func (b *Breaker) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.AddToSet(ctx, key, ttl, members...)
	})
	return err
}

func (b *Breaker) Members(ctx context.Context, key string) ([]string, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Members(ctx, key)
	})
	members, _ := v.([]string)
	return members, err
}

func (b *Breaker) Scan(ctx context.Context, pattern string, count int64, fn func(keys []string) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Scan(ctx, pattern, count, fn)
	})
	return err
}

func (b *Breaker) MemoryUsage(ctx context.Context) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.MemoryUsage(ctx)
	})
	n, _ := v.(int64)
	return n, err
}

// Ping bypasses the breaker so health checks see the real backend state.
func (b *Breaker) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}
