package models

import "time"

// OfflineStatus is a point-in-time view of the offline pipeline.
type OfflineStatus struct {
	Online          bool      `json:"online"`
	LastCheck       time.Time `json:"lastCheck"`
	PendingRequests int       `json:"pendingRequests"`
	CachedResponses int       `json:"cachedResponses"`
	CacheSize       int64     `json:"cacheSize"`
}
