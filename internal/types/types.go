// Package types holds the domain model shared by the client core and the
// server collaborator: blood-glucose readings, chat transcript entries, and
// the aggregate statistics derived from confirmed readings.
package types

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for reading dates (ISO calendar date).
const DateLayout = "2006-01-02"

// Glucose meter range in mg/dL. Values outside this range are rejected as
// reading errors rather than stored.
const (
	MinGlucose = 30
	MaxGlucose = 600
)

// MealStatus indicates whether a reading was taken while fasting or after a
// meal.
type MealStatus string

const (
	MealFasting  MealStatus = "fasting"
	MealPrandial MealStatus = "prandial"
)

// Valid reports whether the meal status is one of the known values.
func (m MealStatus) Valid() bool {
	return m == MealFasting || m == MealPrandial
}

// ParseMealStatus normalizes a wire string into a MealStatus.
func ParseMealStatus(s string) (MealStatus, error) {
	m := MealStatus(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown meal status %q", s)
	}
	return m, nil
}

// Reading is a single blood-glucose measurement. The same shape serves both
// lifecycles: the ephemeral extracted draft awaiting confirmation, and the
// persisted reading mirrored read-only in history snapshots.
type Reading struct {
	GlucoseLevel int        `json:"glucose_level"`
	Date         string     `json:"date"`
	MealStatus   MealStatus `json:"meal_status"`
	Notes        string     `json:"notes,omitempty"`
}

// Validate checks a reading against meter range, date format, and meal
// status. today bounds the date: readings cannot be in the future.
func (r Reading) Validate(today time.Time) error {
	var errs []string

	if r.GlucoseLevel < MinGlucose || r.GlucoseLevel > MaxGlucose {
		errs = append(errs, fmt.Sprintf(
			"glucose level %d mg/dL is outside typical meter range (%d-%d mg/dL)",
			r.GlucoseLevel, MinGlucose, MaxGlucose))
	}

	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		errs = append(errs, fmt.Sprintf("invalid date %q (want YYYY-MM-DD)", r.Date))
	} else if r.Date > today.Format(DateLayout) {
		// ISO dates compare lexically.
		errs = append(errs, fmt.Sprintf("date cannot be in the future: %s", r.Date))
	}

	if !r.MealStatus.Valid() {
		errs = append(errs, fmt.Sprintf("unknown meal status %q", r.MealStatus))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Message is one turn of the chat transcript. Immutable once appended.
type Message struct {
	Content  string    `json:"content"`
	FromUser bool      `json:"from_user"`
	At       time.Time `json:"at"`
}

// Stats is the server-computed aggregate over all confirmed readings.
// Averages are present only when at least one reading of that class exists.
type Stats struct {
	TotalReadings int      `json:"total_readings"`
	HasFasting    bool     `json:"has_fasting"`
	AvgFasting    *float64 `json:"avg_fasting,omitempty"`
	HasPrandial   bool     `json:"has_prandial"`
	AvgPrandial   *float64 `json:"avg_prandial,omitempty"`
}

// ComputeStats aggregates readings into a Stats summary. Averages are rounded
// to one decimal place.
func ComputeStats(readings []Reading) Stats {
	stats := Stats{TotalReadings: len(readings)}

	var fastSum, prandSum int
	var fastN, prandN int
	for _, r := range readings {
		switch r.MealStatus {
		case MealFasting:
			fastSum += r.GlucoseLevel
			fastN++
		case MealPrandial:
			prandSum += r.GlucoseLevel
			prandN++
		}
	}

	if fastN > 0 {
		stats.HasFasting = true
		avg := round1(float64(fastSum) / float64(fastN))
		stats.AvgFasting = &avg
	}
	if prandN > 0 {
		stats.HasPrandial = true
		avg := round1(float64(prandSum) / float64(prandN))
		stats.AvgPrandial = &avg
	}
	return stats
}

func round1(v float64) float64 {
	if v < 0 {
		return float64(int(v*10-0.5)) / 10
	}
	return float64(int(v*10+0.5)) / 10
}
