package extraction

import (
	"fmt"

	"glucolog/internal/types"
)

// consistencyBand is how close (mg/dL) a new reading must be to the average
// before it is reported as consistent rather than higher/lower.
const consistencyBand = 10.0

// AnalyzeTrend compares a newly confirmed reading against the user's earlier
// readings of the same meal status and phrases the comparison for the
// transcript. previous must not include the new reading itself.
func AnalyzeTrend(reading types.Reading, previous []types.Reading) string {
	if len(previous) == 0 {
		return "This is your first recorded reading."
	}

	var sum, n int
	for _, r := range previous {
		if r.MealStatus == reading.MealStatus {
			sum += r.GlucoseLevel
			n++
		}
	}
	if n == 0 {
		return fmt.Sprintf("This is your first %s reading.", reading.MealStatus)
	}

	avg := float64(sum) / float64(n)
	diff := float64(reading.GlucoseLevel) - avg

	switch {
	case diff < consistencyBand && diff > -consistencyBand:
		return fmt.Sprintf("This reading is consistent with your average %s level of %.1f mg/dL.",
			reading.MealStatus, avg)
	case diff > 0:
		return fmt.Sprintf("This reading is %.1f mg/dL higher than your average %s level of %.1f mg/dL.",
			diff, reading.MealStatus, avg)
	default:
		return fmt.Sprintf("This reading is %.1f mg/dL lower than your average %s level of %.1f mg/dL.",
			-diff, reading.MealStatus, avg)
	}
}
