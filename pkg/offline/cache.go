package offline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/models"
)

// requestKey scopes a payload by its type so identical fields of different
// request kinds do not share a cache entry.
type requestKey struct {
	Type    models.RequestType `json:"type"`
	Payload models.Payload     `json:"payload"`
}

// RequestKey returns the cache key for a typed payload.
func RequestKey(p models.Payload) any {
	return requestKey{Type: p.Kind(), Payload: p}
}

// HashPayload returns the hex SHA-256 of the canonical JSON form of payload.
// Object keys are sorted so equal payloads hash equally however they were
// built.
func HashPayload(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("normalize payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("normalize payload: %w", err)
	}
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:]), nil
}

// CacheResponse stores response under the hash of payload for ttl, or the
// configured TTL when ttl is not positive. The oldest entries by creation
// time are evicted until the new entry fits, after expired ones.
func (s *Service) CacheResponse(payload, response any, ttl time.Duration) error {
	hash, err := HashPayload(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	size := int64(len(body))
	if size > s.opts.MaxCacheBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, size, s.opts.MaxCacheBytes)
	}
	if ttl <= 0 {
		ttl = s.opts.CacheTTL
	}
	now := s.opts.Now()
	entry := &models.CachedResponse{
		ID:          uuid.NewString(),
		RequestHash: hash,
		Response:    body,
		Timestamp:   now,
		ExpiresAt:   now.Add(ttl),
		Size:        size,
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if old, ok := s.cache[hash]; ok {
		delete(s.cache, hash)
		s.cacheBytes -= old.Size
	}
	evicted := s.evictLocked(size, now)
	s.cache[hash] = entry
	s.cacheBytes += size
	total := s.cacheBytes
	s.mu.Unlock()

	for _, h := range evicted {
		s.removeFile(cacheFile(h))
	}
	s.writeJSON(cacheFile(hash), entry)

	s.opts.Metrics.SetCacheBytes(total)
	if len(evicted) > 0 {
		logrus.WithFields(logrus.Fields{
			"evicted": len(evicted),
			"bytes":   total,
		}).Debug("[OFFLINE] cache evicted entries")
	}
	return nil
}

// evictLocked frees room for need bytes and returns the removed hashes.
// Expired entries go first, then the oldest by creation time.
func (s *Service) evictLocked(need int64, now time.Time) []string {
	var removed []string
	for h, e := range s.cache {
		if e.Expired(now) {
			delete(s.cache, h)
			s.cacheBytes -= e.Size
			removed = append(removed, h)
		}
	}
	if s.cacheBytes+need > s.opts.MaxCacheBytes {
		byAge := make([]*models.CachedResponse, 0, len(s.cache))
		for _, e := range s.cache {
			byAge = append(byAge, e)
		}
		sort.Slice(byAge, func(i, j int) bool { return byAge[i].Timestamp.Before(byAge[j].Timestamp) })
		for _, e := range byAge {
			if s.cacheBytes+need <= s.opts.MaxCacheBytes {
				break
			}
			delete(s.cache, e.RequestHash)
			s.cacheBytes -= e.Size
			removed = append(removed, e.RequestHash)
		}
	}
	s.evictions.Add(int64(len(removed)))
	s.opts.Metrics.CacheEvicted(len(removed))
	return removed
}

// GetCachedResponse returns the cached response for payload. An expired
// entry is deleted from memory and disk and reported missing.
func (s *Service) GetCachedResponse(payload any) (json.RawMessage, bool) {
	e, ok := s.CachedEntry(payload)
	if !ok {
		return nil, false
	}
	return e.Response, true
}

// CachedEntry is GetCachedResponse returning the whole entry, so callers
// holding a copy of the response know when it stops being valid.
func (s *Service) CachedEntry(payload any) (models.CachedResponse, bool) {
	hash, err := HashPayload(payload)
	if err != nil {
		s.misses.Add(1)
		s.opts.Metrics.CacheLookup(false)
		return models.CachedResponse{}, false
	}

	s.mu.Lock()
	e, ok := s.cache[hash]
	if ok && !e.Expired(s.opts.Now()) {
		entry := *e
		s.mu.Unlock()
		s.hits.Add(1)
		s.opts.Metrics.CacheLookup(true)
		return entry, true
	}
	s.mu.Unlock()

	s.misses.Add(1)
	s.opts.Metrics.CacheLookup(false)
	if ok {
		s.expire(hash)
	}
	return models.CachedResponse{}, false
}

// CacheExpiry reports when the entry for payload expires without counting
// a lookup.
func (s *Service) CacheExpiry(payload any) (time.Time, bool) {
	hash, err := HashPayload(payload)
	if err != nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[hash]
	if !ok {
		return time.Time{}, false
	}
	return e.ExpiresAt, true
}

// expire removes hash if it is still expired once the disk lock is held.
func (s *Service) expire(hash string) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	e, ok := s.cache[hash]
	if !ok || !e.Expired(s.opts.Now()) {
		s.mu.Unlock()
		return
	}
	delete(s.cache, hash)
	s.cacheBytes -= e.Size
	total := s.cacheBytes
	s.mu.Unlock()

	s.removeFile(cacheFile(hash))
	s.opts.Metrics.SetCacheBytes(total)
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (s *Service) PurgeExpired() int {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	now := s.opts.Now()
	s.mu.Lock()
	var removed []string
	for h, e := range s.cache {
		if e.Expired(now) {
			delete(s.cache, h)
			s.cacheBytes -= e.Size
			removed = append(removed, h)
		}
	}
	total := s.cacheBytes
	s.mu.Unlock()

	for _, h := range removed {
		s.removeFile(cacheFile(h))
	}
	s.opts.Metrics.SetCacheBytes(total)
	return len(removed)
}

// ClearCache removes every cached response from memory and disk.
func (s *Service) ClearCache() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	n := len(s.cache)
	s.cache = make(map[string]*models.CachedResponse)
	s.cacheBytes = 0
	s.mu.Unlock()

	s.removeCacheFiles()
	s.opts.Metrics.SetCacheBytes(0)
	logrus.WithField("cleared", n).Info("[OFFLINE] cache cleared")
}

// CacheStats reports cache size and effectiveness.
func (s *Service) CacheStats() models.CacheStats {
	s.mu.Lock()
	entries, size := len(s.cache), s.cacheBytes
	s.mu.Unlock()
	return models.CacheStats{
		Entries:   entries,
		Bytes:     size,
		MaxBytes:  s.opts.MaxCacheBytes,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
