// Package analytics defines the query contract between the recalculation
// engine and the analytical event store. The engine never inspects metric
// specs or result payloads; both are opaque JSON interpreted by whatever sits
// behind the QueryExecutor.
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Query asks for one metric's cumulative statistics over [QueryFrom, QueryTo).
type Query struct {
	TeamID       int64          `json:"team_id"`
	ExperimentID int64          `json:"experiment_id"`
	MetricUUID   uuid.UUID      `json:"metric_uuid"`
	MetricSpec   datatypes.JSON `json:"metric_spec"`
	QueryFrom    time.Time      `json:"query_from"`
	QueryTo      time.Time      `json:"query_to"`
}

// Result is the structured statistics payload (baseline plus variants) for
// one query, with the backend's correlation id for debugging.
type Result struct {
	QueryID uuid.UUID      `json:"query_id"`
	Payload datatypes.JSON `json:"payload"`
}

// QueryExecutor runs one statistical query. Implementations own their timeout
// and must be safe to re-invoke with the same inputs: the engine relies on
// that for idempotent day recomputation.
type QueryExecutor interface {
	Execute(ctx context.Context, q Query) (*Result, error)
}
