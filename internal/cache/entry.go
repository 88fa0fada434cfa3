package cache

import (
	"encoding/json"
	"time"
)

// Entry is the envelope stored for every cached value.
type Entry struct {
	Value     json.RawMessage `json:"v"`
	CreatedAt int64           `json:"createdAt"` // unix millis
	TTL       int64           `json:"ttl"`       // seconds
	Tags      []string        `json:"tags,omitempty"`
}

// Live reports whether the entry is still within its TTL at now.
func (e *Entry) Live(now time.Time) bool {
	return now.UnixMilli()-e.CreatedAt < e.TTL*1000
}

// ExpiresAt returns when the entry goes stale.
func (e *Entry) ExpiresAt() time.Time {
	return time.UnixMilli(e.CreatedAt + e.TTL*1000)
}

func encodeEntry(value any, ttl time.Duration, tags []string, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Entry{
		Value:     raw,
		CreatedAt: now.UnixMilli(),
		TTL:       int64(ttl / time.Second),
		Tags:      tags,
	})
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// normalizeTTL applies the default for non-positive values and rounds
// sub-second remainders up to whole seconds.
func normalizeTTL(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = def
	}
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	return ttl
}
