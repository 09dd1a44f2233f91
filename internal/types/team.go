package types

import (
	"fmt"
	"time"
)

type Team struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string    `gorm:"column:name;not null" json:"name"`
	Timezone          string    `gorm:"column:timezone;not null;default:'UTC'" json:"timezone"` // IANA name, e.g. America/New_York
	RecalculationHour int       `gorm:"column:recalculation_hour;not null;default:2" json:"recalculation_hour"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

func (Team) TableName() string { return "team" }

// Location resolves the team's IANA timezone, falling back to UTC when the
// name is empty or unknown rather than failing the whole scheduling pass.
func (t *Team) Location() *time.Location {
	if t == nil || t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RecalculationHourUTC converts the team's configured local wall-clock hour
// into the UTC hour it falls on at the given instant. The result shifts with
// DST, which is exactly what hour matching needs.
func (t *Team) RecalculationHourUTC(now time.Time) (int, error) {
	if t == nil {
		return 0, fmt.Errorf("nil team")
	}
	if t.RecalculationHour < 0 || t.RecalculationHour > 23 {
		return 0, fmt.Errorf("team %d: recalculation hour %d out of range", t.ID, t.RecalculationHour)
	}
	loc := t.Location()
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), t.RecalculationHour, 0, 0, 0, loc)
	return at.UTC().Hour(), nil
}
