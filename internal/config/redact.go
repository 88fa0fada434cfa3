package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secrets in redacted output.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg in which every non-empty field
// tagged `redact:"true"` is replaced by RedactedValue.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStrings(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return &cp, nil
}
