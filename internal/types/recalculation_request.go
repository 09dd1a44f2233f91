package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RecalculationPending    = "pending"
	RecalculationInProgress = "in_progress"
	RecalculationCompleted  = "completed"
	RecalculationFailed     = "failed"
)

// RecalculationRequest is one "recompute this metric's timeseries" intent.
// At most one pending/in_progress row may exist per (experiment_id,
// fingerprint); that is enforced by a partial unique index created in
// db.Migrate, not by application logic, so racing schedulers cannot slip a
// duplicate past a check-then-insert.
type RecalculationRequest struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TeamID             int64           `gorm:"column:team_id;not null;index" json:"team_id"`
	ExperimentID       int64           `gorm:"column:experiment_id;not null;index:idx_recalc_request_experiment" json:"experiment_id"`
	MetricUUID         uuid.UUID       `gorm:"type:uuid;column:metric_uuid;not null;index" json:"metric_uuid"`
	MetricSpec         datatypes.JSON  `gorm:"type:jsonb;column:metric_spec;not null" json:"metric_spec"`
	Fingerprint        string          `gorm:"column:fingerprint;not null;index:idx_recalc_request_experiment" json:"fingerprint"`
	Status             string          `gorm:"column:status;not null;default:'pending';index" json:"status"`
	LastSuccessfulDate *datatypes.Date `gorm:"column:last_successful_date" json:"last_successful_date,omitempty"`
	Error              string          `gorm:"column:error" json:"error,omitempty"`
	CreatedAt          time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"not null" json:"updated_at"`
}

func (RecalculationRequest) TableName() string { return "experiment_recalculation_request" }

// Active reports whether the request still occupies the per-fingerprint
// in-flight slot.
func (r *RecalculationRequest) Active() bool {
	return r != nil && (r.Status == RecalculationPending || r.Status == RecalculationInProgress)
}

// Watermark returns last_successful_date as a time.Time (midnight UTC).
func (r *RecalculationRequest) Watermark() (time.Time, bool) {
	if r == nil || r.LastSuccessfulDate == nil {
		return time.Time{}, false
	}
	t := time.Time(*r.LastSuccessfulDate)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}
