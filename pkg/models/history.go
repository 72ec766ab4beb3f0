package models

import "time"

// Outcome is the result recorded for a queued request.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeDropped   Outcome = "dropped"
)

// HistoryEntry records what happened to a queued request.
type HistoryEntry struct {
	ID        int64       `json:"id"`
	RequestID string      `json:"request_id"`
	Type      RequestType `json:"type"`
	Priority  Priority    `json:"priority"`
	Outcome   Outcome     `json:"outcome"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryQueryOpts filters history queries.
type HistoryQueryOpts struct {
	RequestID string
	Type      RequestType
	Outcome   Outcome
	Since     time.Time
	Limit     int
}

// HistoryStat is an aggregate count per request type and outcome.
type HistoryStat struct {
	Type    RequestType `json:"type"`
	Outcome Outcome     `json:"outcome"`
	Count   int         `json:"count"`
}
