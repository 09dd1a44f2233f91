package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ExperimentMetric is a metric defined inline on a single experiment. Spec is
// an opaque blob interpreted only by the analytics query layer.
type ExperimentMetric struct {
	UUID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"uuid"`
	ExperimentID int64          `gorm:"column:experiment_id;not null;index" json:"experiment_id"`
	Kind         string         `gorm:"column:kind;not null;default:'primary'" json:"kind"` // primary|secondary
	Spec         datatypes.JSON `gorm:"type:jsonb;column:spec;not null" json:"spec"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (ExperimentMetric) TableName() string { return "experiment_metric" }

// SavedMetric is a team-level metric definition shared across experiments.
type SavedMetric struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TeamID    int64          `gorm:"column:team_id;not null;index" json:"team_id"`
	Name      string         `gorm:"column:name;not null" json:"name"`
	Spec      datatypes.JSON `gorm:"type:jsonb;column:spec;not null" json:"spec"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (SavedMetric) TableName() string { return "saved_metric" }

// ExperimentSavedMetric attaches a saved metric to an experiment. The
// attachment carries its own metric UUID so the same saved metric can be
// referenced independently per experiment.
type ExperimentSavedMetric struct {
	MetricUUID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"metric_uuid"`
	ExperimentID  int64     `gorm:"column:experiment_id;not null;index" json:"experiment_id"`
	SavedMetricID int64     `gorm:"column:saved_metric_id;not null;index" json:"saved_metric_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

func (ExperimentSavedMetric) TableName() string { return "experiment_saved_metric" }

// MetricRef is the flattened view discovery works with: one row per metric
// attached to an experiment, inline or saved.
type MetricRef struct {
	UUID uuid.UUID
	Spec datatypes.JSON
}
