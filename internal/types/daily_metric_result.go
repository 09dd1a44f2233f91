package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	DailyResultPending   = "pending"
	DailyResultCompleted = "completed"
	DailyResultFailed    = "failed"
)

// DailyMetricResult is one immutable snapshot per local day boundary.
// QueryFrom is always the experiment's start instant; QueryTo is the UTC
// instant of the next local midnight, so each row is cumulative-to-date.
// The unique index on (experiment_id, metric_uuid, query_to) is what makes
// day recomputation idempotent: re-running a day overwrites instead of
// duplicating.
type DailyMetricResult struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TeamID       int64          `gorm:"column:team_id;not null;index" json:"team_id"`
	ExperimentID int64          `gorm:"column:experiment_id;not null;uniqueIndex:idx_daily_result_day,priority:1" json:"experiment_id"`
	MetricUUID   uuid.UUID      `gorm:"type:uuid;column:metric_uuid;not null;uniqueIndex:idx_daily_result_day,priority:2" json:"metric_uuid"`
	Fingerprint  string         `gorm:"column:fingerprint;not null;index" json:"fingerprint"`
	QueryFrom    time.Time      `gorm:"column:query_from;not null" json:"query_from"`
	QueryTo      time.Time      `gorm:"column:query_to;not null;uniqueIndex:idx_daily_result_day,priority:3" json:"query_to"`
	Status       string         `gorm:"column:status;not null;default:'pending'" json:"status"`
	Payload      datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload,omitempty"`
	QueryID      *uuid.UUID     `gorm:"type:uuid;column:query_id" json:"query_id,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (DailyMetricResult) TableName() string { return "experiment_daily_metric_result" }
