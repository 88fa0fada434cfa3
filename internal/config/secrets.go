package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves references for one scheme, e.g. ${file:/run/secrets/redis}.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry returns a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds p, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve delegates to the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider reads ${env:NAME}. Unlike bare ${NAME} expansion, a missing
// variable is an error.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider reads ${file:/path}, trimming trailing whitespace.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows any path.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a whole-value reference ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string field of cfg in place.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("resolving %s: %w", path, err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

// walkStrings calls fn for each settable string field under v, including
// string elements of slices and string values of maps. path is the dotted
// yaml path used in error messages.
func walkStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		name := strings.Split(sf.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			name = sf.Name
		}
		if path != "" {
			name = path + "." + name
		}

		switch f.Kind() {
		case reflect.String:
			fn(f, name, sf.Tag)
		case reflect.Struct:
			walkStrings(f, name, fn)
		case reflect.Slice:
			for j := 0; j < f.Len(); j++ {
				elem := f.Index(j)
				elemPath := fmt.Sprintf("%s[%d]", name, j)
				switch elem.Kind() {
				case reflect.Struct:
					walkStrings(elem, elemPath, fn)
				case reflect.String:
					fn(elem, elemPath, sf.Tag)
				}
			}
		case reflect.Map:
			if f.IsNil() || f.Type().Elem().Kind() != reflect.String {
				continue
			}
			for _, key := range f.MapKeys() {
				cp := reflect.New(f.Type().Elem()).Elem()
				cp.Set(f.MapIndex(key))
				fn(cp, fmt.Sprintf("%s[%s]", name, key.String()), sf.Tag)
				f.SetMapIndex(key, cp)
			}
		}
	}
}
