package models

import (
	"encoding/json"
	"time"
)

// CachedResponse stores a backend response keyed by the hash of its request.
type CachedResponse struct {
	ID          string          `json:"id"`
	RequestHash string          `json:"requestHash"`
	Response    json.RawMessage `json:"response"`
	Timestamp   time.Time       `json:"timestamp"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Size        int64           `json:"size"`
}

// Expired reports whether the entry is past its expiry at now.
func (c *CachedResponse) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CacheStats reports response cache performance.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
