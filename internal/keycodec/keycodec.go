// Package keycodec derives deterministic cache keys from a query identifier
// and its parameters.
package keycodec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Prefix marks keys produced by Generate.
const Prefix = "q:"

// KeyFunc derives a cache key directly from call arguments.
type KeyFunc func(args []any) string

// Generate returns "q:" followed by the 16 hex digit xxhash of the normalized
// identifier and the encoded parameters. The same inputs always produce the
// same key. Whitespace differences in the identifier do not change the key.
func Generate(identifier string, params []any) string {
	h := xxhash.New()
	h.WriteString(Normalize(identifier))
	h.WriteString("|")
	h.WriteString(encodeParams(params))
	return fmt.Sprintf("%s%016x", Prefix, h.Sum64())
}

// Resolve uses fn when set and Generate otherwise.
func Resolve(fn KeyFunc, identifier string, params []any) string {
	if fn != nil {
		return fn(params)
	}
	return Generate(identifier, params)
}

// Normalize trims the identifier and collapses each whitespace run to one space.
func Normalize(identifier string) string {
	return strings.Join(strings.Fields(identifier), " ")
}

func encodeParams(params []any) string {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		// channels, funcs and cyclic values
		return fmt.Sprintf("%#v", params)
	}
	return string(data)
}
