package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/cache"
	"github.com/wudi/tagcache/internal/invalidate"
	"github.com/wudi/tagcache/internal/logging"
)

// Interceptor applies registered policies around operations.
type Interceptor struct {
	cache      *cache.Cache
	registry   *Registry
	dispatcher *invalidate.Dispatcher
	log        *zap.Logger
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithDispatcher makes write policies invalidate asynchronously through d.
func WithDispatcher(d *invalidate.Dispatcher) InterceptorOption {
	return func(ic *Interceptor) { ic.dispatcher = d }
}

// WithLogger sets the logger used for policy warnings.
func WithLogger(l *zap.Logger) InterceptorOption {
	return func(ic *Interceptor) { ic.log = l }
}

// NewInterceptor creates an Interceptor over c and r.
func NewInterceptor(c *cache.Cache, r *Registry, opts ...InterceptorOption) *Interceptor {
	ic := &Interceptor{cache: c, registry: r}
	for _, opt := range opts {
		opt(ic)
	}
	if ic.log == nil {
		ic.log = logging.Global()
	}
	ic.log = ic.log.With(zap.String("component", "policy"))
	return ic
}

// Registry returns the policy registry.
func (ic *Interceptor) Registry() *Registry {
	return ic.registry
}

func (ic *Interceptor) lookup(name string, want Kind) (Policy, bool) {
	p, ok := ic.registry.Lookup(name)
	if !ok {
		ic.log.Warn("no cache policy registered, running uncached", zap.String("policy", name))
		return Policy{}, false
	}
	if p.Kind != want {
		ic.log.Warn("cache policy kind mismatch, running uncached",
			zap.String("policy", name),
			zap.String("kind", string(p.Kind)),
			zap.String("expected", string(want)),
		)
		return Policy{}, false
	}
	return p, true
}

// Call runs op under the read policy registered as name. A cached result is
// returned without running op; otherwise op's result is cached. Errors from
// op are returned unchanged and never cached.
func Call[T any](ctx context.Context, ic *Interceptor, name string, args []any, op func(context.Context) (T, error)) (T, error) {
	p, ok := ic.lookup(name, KindRead)
	if !ok {
		return op(ctx)
	}
	if p.Condition != nil && !p.Condition(args) {
		return op(ctx)
	}

	key := p.KeyFor(args)
	var cached T
	if ic.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	v, err := op(ctx)
	if err != nil {
		return v, err
	}
	ic.cache.Set(ctx, key, v, p.TTL, p.TagsFor(args))
	return v, nil
}

// Mutate runs op under the write policy registered as name and invalidates
// the policy's tags once op succeeds.
func Mutate[T any](ctx context.Context, ic *Interceptor, name string, op func(context.Context) (T, error)) (T, error) {
	return MutateArgs(ctx, ic, name, nil, op)
}

// MutateArgs is Mutate for policies whose tags depend on the call arguments.
// Invalidation problems are logged and never fail the write.
func MutateArgs[T any](ctx context.Context, ic *Interceptor, name string, args []any, op func(context.Context) (T, error)) (T, error) {
	v, err := op(ctx)
	if err != nil {
		return v, err
	}

	p, ok := ic.lookup(name, KindWrite)
	if !ok {
		return v, nil
	}
	tags := p.TagsFor(args)
	if ic.dispatcher != nil {
		ic.dispatcher.Submit(tags)
		return v, nil
	}
	ic.cache.InvalidateByTags(context.WithoutCancel(ctx), tags)
	return v, nil
}
