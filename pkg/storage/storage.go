// Package storage persists the query audit trail. Backends: JSON lines file,
// SQLite, or nothing.
package storage

import (
	"context"
	"time"
)

// Storage defines the interface for all audit backends.
// Implementations must be safe for concurrent use.
type Storage interface {
	// LogQuery records one query. It must not block for long.
	LogQuery(ctx context.Context, query *QueryLog) error

	// Ping checks that the backend is usable
	Ping(ctx context.Context) error

	// Close flushes pending records and releases resources
	Close() error
}

// MetricsRecorder is implemented by telemetry; it keeps storage free of a
// telemetry import.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

// Outcome is how a query was answered.
type Outcome string

// Query outcomes
const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeCached    Outcome = "cached"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeRefused   Outcome = "refused"
	OutcomeServFail  Outcome = "servfail"
)

// QueryLog is one audit record. Domain, ClientIP and Timestamp are always
// set; the rest describes how the query was handled.
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	Domain         string    `json:"domain"`
	ClientIP       string    `json:"client_ip"`
	QueryType      string    `json:"query_type,omitempty"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id,omitempty"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Cached         bool      `json:"cached"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"`     // percent
	CacheHitRate      float64   `json:"cache_hit_rate"` // percent
}
