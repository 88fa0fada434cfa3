// Package policy attaches caching and invalidation rules to named operations.
package policy

import (
	"fmt"
	"time"

	"github.com/wudi/tagcache/internal/keycodec"
)

// Kind distinguishes cached reads from invalidating writes.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Preset TTLs.
const (
	ShortTTLDuration         = time.Minute
	MediumTTLDuration        = 5 * time.Minute
	LongTTLDuration          = time.Hour
	TimeSensitiveTTLDuration = 30 * time.Second
)

// Condition decides from the call arguments whether the cache is used.
type Condition func(args []any) bool

// TagFunc derives extra tags from the call arguments.
type TagFunc func(args []any) []string

// Policy describes how a named operation interacts with the cache. Read
// policies cache results for TTL under Tags; write policies invalidate Tags
// after the operation succeeds.
type Policy struct {
	Name      string
	Kind      Kind
	TTL       time.Duration
	Tags      []string
	TagFunc   TagFunc
	KeyFunc   keycodec.KeyFunc
	Condition Condition
}

// Preset modifies a policy under construction.
type Preset func(*Policy)

// Read builds a read policy.
func Read(name string, presets ...Preset) Policy {
	p := Policy{Name: name, Kind: KindRead}
	for _, preset := range presets {
		preset(&p)
	}
	return p
}

// Write builds a write policy.
func Write(name string, presets ...Preset) Policy {
	p := Policy{Name: name, Kind: KindWrite}
	for _, preset := range presets {
		preset(&p)
	}
	return p
}

// WithTTL sets the cache lifetime.
func WithTTL(ttl time.Duration) Preset {
	return func(p *Policy) { p.TTL = ttl }
}

// WithTags adds static tags.
func WithTags(tags ...string) Preset {
	return func(p *Policy) { p.Tags = append(p.Tags, tags...) }
}

// WithKey overrides key generation.
func WithKey(fn keycodec.KeyFunc) Preset {
	return func(p *Policy) { p.KeyFunc = fn }
}

var (
	ShortTTL      = WithTTL(ShortTTLDuration)
	MediumTTL     = WithTTL(MediumTTLDuration)
	LongTTL       = WithTTL(LongTTLDuration)
	TimeSensitive = WithTTL(TimeSensitiveTTLDuration)
)

// Entity keys results by the policy name and the entity id found at
// args[argIndex], and tags them with entity and entity:<id>. It sets a medium TTL unless one is already set.
func Entity(entity string, argIndex int) Preset {
	return func(p *Policy) {
		if p.TTL == 0 {
			p.TTL = MediumTTLDuration
		}
		p.Tags = append(p.Tags, entity)
		p.TagFunc = chainTags(p.TagFunc, func(args []any) []string {
			if id, ok := argAt(args, argIndex); ok {
				return []string{entity + ":" + id}
			}
			return nil
		})
		if p.Kind == KindRead {
			name := p.Name
			p.KeyFunc = func(args []any) string {
				if id, ok := argAt(args, argIndex); ok {
					return name + ":" + entity + ":" + id
				}
				return keycodec.Generate(name, args)
			}
		}
	}
}

// ConditionalOn caches only when pred returns true.
func ConditionalOn(pred Condition) Preset {
	return func(p *Policy) { p.Condition = pred }
}

// Invalidates marks the policy as a write that invalidates tags.
func Invalidates(tags ...string) Preset {
	return func(p *Policy) {
		p.Kind = KindWrite
		p.Tags = append(p.Tags, tags...)
	}
}

// KeyFor returns the cache key for a call with args.
func (p Policy) KeyFor(args []any) string {
	return keycodec.Resolve(p.KeyFunc, p.Name, args)
}

// TagsFor returns the static tags plus those derived from args.
func (p Policy) TagsFor(args []any) []string {
	tags := append([]string(nil), p.Tags...)
	if p.TagFunc != nil {
		tags = append(tags, p.TagFunc(args)...)
	}
	return tags
}

func argAt(args []any, i int) (string, bool) {
	if i < 0 || i >= len(args) || args[i] == nil {
		return "", false
	}
	return fmt.Sprint(args[i]), true
}

func chainTags(prev, next TagFunc) TagFunc {
	if prev == nil {
		return next
	}
	return func(args []any) []string {
		return append(prev(args), next(args)...)
	}
}
