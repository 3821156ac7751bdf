// Package metrics folds raw sensor readings into the current metrics snapshot.
package metrics

import "github.com/claude/wodtimer/internal/models"

// Fold applies one reading to current and returns the result. A reading with
// no values, or of a kind this package does not track, leaves current as is.
// Fields are replaced, never cleared.
func Fold(current models.CurrentMetrics, reading models.RawReading) models.CurrentMetrics {
	v, ok := reading.Latest()
	if !ok {
		return current
	}
	next := current
	switch reading.Kind {
	case models.HeartRate:
		next.HeartRate = &v
	case models.Calories:
		next.Calories = &v
	case models.HeartRateAverage:
		next.AverageHeartRate = &v
	}
	return next
}

// FoldAll folds readings in delivery order.
func FoldAll(current models.CurrentMetrics, readings []models.RawReading) models.CurrentMetrics {
	for _, r := range readings {
		current = Fold(current, r)
	}
	return current
}
