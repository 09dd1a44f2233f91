package types

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Experiment struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TeamID      int64          `gorm:"column:team_id;not null;index" json:"team_id"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	StartDate   *time.Time     `gorm:"column:start_date;index" json:"start_date,omitempty"`
	EndDate     *time.Time     `gorm:"column:end_date;index" json:"end_date,omitempty"`
	StatsConfig datatypes.JSON `gorm:"type:jsonb;column:stats_config" json:"stats_config"`
	Archived    bool           `gorm:"column:archived;not null;default:false" json:"archived"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Experiment) TableName() string { return "experiment" }

// TimeseriesEnabled reports whether the stats config carries a truthy
// "timeseries" flag. Absent config or a malformed blob counts as disabled.
func (e *Experiment) TimeseriesEnabled() bool {
	if e == nil || len(e.StatsConfig) == 0 {
		return false
	}
	var cfg map[string]any
	if err := json.Unmarshal(e.StatsConfig, &cfg); err != nil {
		return false
	}
	switch v := cfg["timeseries"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

// Running reports whether the experiment has started and has not ended as of
// now. Open-ended experiments (nil end date) count as running.
func (e *Experiment) Running(now time.Time) bool {
	if e == nil || e.StartDate == nil {
		return false
	}
	if e.StartDate.After(now) {
		return false
	}
	return e.EndDate == nil || !e.EndDate.Before(now)
}
