package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/config"
	cerrors "github.com/wudi/tagcache/internal/errors"
	"github.com/wudi/tagcache/internal/logging"
)

// Registry maps operation names to policies. Policies cannot be replaced
// once registered.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register validates and adds p.
func (r *Registry) Register(p Policy) error {
	if err := validate(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.Name]; exists {
		return cerrors.Configurationf("register", "policy %q already registered", p.Name)
	}
	p.Tags = append([]string(nil), p.Tags...)
	r.policies[p.Name] = p
	return nil
}

// MustRegister is Register that panics on error, for composition-time setup.
func (r *Registry) MustRegister(policies ...Policy) {
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}

// Names returns the registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(p Policy) error {
	if p.Name == "" {
		return cerrors.Configurationf("register", "policy name is required")
	}
	switch p.Kind {
	case KindRead:
		if p.TTL <= 0 {
			return cerrors.Configurationf("register", "read policy %q needs a positive ttl", p.Name)
		}
	case KindWrite:
		if len(p.Tags) == 0 && p.TagFunc == nil {
			return cerrors.Configurationf("register", "write policy %q needs at least one tag", p.Name)
		}
	default:
		return cerrors.Configurationf("register", "policy %q has unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// LoadConfig registers policies declared in configuration. Condition
// expressions are compiled here so syntax errors surface at start-up.
func (r *Registry) LoadConfig(cfgs []config.PolicyConfig) error {
	for _, pc := range cfgs {
		p, err := FromConfig(pc)
		if err != nil {
			return err
		}
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// FromConfig builds a policy from its configuration.
func FromConfig(pc config.PolicyConfig) (Policy, error) {
	var presets []Preset
	switch pc.Preset {
	case "":
	case "short":
		presets = append(presets, ShortTTL)
	case "medium":
		presets = append(presets, MediumTTL)
	case "long":
		presets = append(presets, LongTTL)
	case "time_sensitive":
		presets = append(presets, TimeSensitive)
	case "entity":
		if pc.Entity == "" {
			return Policy{}, cerrors.Configurationf("load_policy", "policy %q: entity preset requires entity", pc.Name)
		}
		presets = append(presets, Entity(pc.Entity, pc.IDArg))
	default:
		return Policy{}, cerrors.Configurationf("load_policy", "policy %q: unknown preset %q", pc.Name, pc.Preset)
	}
	if pc.TTL > 0 {
		presets = append(presets, WithTTL(pc.TTL))
	}
	if len(pc.Tags) > 0 {
		presets = append(presets, WithTags(pc.Tags...))
	}
	if pc.Condition != "" {
		cond, err := CompileCondition(pc.Name, pc.Condition)
		if err != nil {
			return Policy{}, err
		}
		presets = append(presets, ConditionalOn(cond))
	}

	switch pc.Kind {
	case "", string(KindRead):
		return Read(pc.Name, presets...), nil
	case string(KindWrite):
		return Write(pc.Name, presets...), nil
	default:
		return Policy{}, cerrors.Configurationf("load_policy", "policy %q: unknown kind %q", pc.Name, pc.Kind)
	}
}

// conditionEnv is the environment condition expressions are compiled against.
func conditionEnv(name string, args []any) map[string]any {
	return map[string]any{
		"name": name,
		"args": args,
	}
}

// CompileCondition compiles an expr-lang boolean expression over `args` and
// `name`. Evaluation errors count as false, so the call bypasses the cache.
func CompileCondition(name, source string) (Condition, error) {
	program, err := expr.Compile(source, expr.Env(conditionEnv("", []any{})), expr.AsBool())
	if err != nil {
		return nil, cerrors.E(cerrors.KindConfiguration, "load_policy", name,
			fmt.Errorf("failed to compile condition: %w", err))
	}
	return func(args []any) bool {
		return evalCondition(program, name, args)
	}, nil
}

func evalCondition(program *vm.Program, name string, args []any) bool {
	if args == nil {
		args = []any{}
	}
	out, err := expr.Run(program, conditionEnv(name, args))
	if err != nil {
		logging.Warn("policy condition failed, bypassing cache",
			zap.String("policy", name),
			zap.Error(err),
		)
		return false
	}
	ok, _ := out.(bool)
	return ok
}
