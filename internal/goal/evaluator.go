// Package goal decides when a session crosses a round boundary or runs out
// of time. Everything here is a pure function of workout type,
// configuration and elapsed active time.
package goal

import (
	"time"

	"github.com/claude/wodtimer/internal/models"
)

const (
	GoalTotalDuration = "total_duration"
	GoalMilestone     = "milestone"
)

// Evaluate returns the event implied by moving from previous to elapsed
// active time. Time-ended wins over a milestone on the same boundary and is
// returned for every elapsed value at or past the total duration. A session
// with a zero total duration never times out.
func Evaluate(wt models.WorkoutType, cfg models.WorkoutConfiguration, previous, elapsed time.Duration) models.DerivedEvent {
	if total := cfg.TotalDuration(); total > 0 && elapsed >= total {
		return models.EventTimeEnded
	}
	if wt.RoundPolicy() != models.AutoOnInterval {
		return models.EventNone
	}
	threshold := wt.Threshold(cfg)
	if threshold <= 0 {
		return models.EventNone
	}
	if Boundary(threshold, elapsed) > Boundary(threshold, previous) {
		return models.EventMilestone
	}
	return models.EventNone
}

// Boundary is the number of whole thresholds contained in elapsed.
func Boundary(threshold, elapsed time.Duration) int64 {
	if threshold <= 0 || elapsed <= 0 {
		return 0
	}
	return int64(elapsed / threshold)
}

// Goals returns the goals to register with the sensing client: a one-time
// total-duration goal and a repeating milestone at the type's threshold.
func Goals(wt models.WorkoutType, cfg models.WorkoutConfiguration) []models.Goal {
	var goals []models.Goal
	if total := cfg.TotalDuration(); total > 0 {
		goals = append(goals, models.Goal{Name: GoalTotalDuration, Threshold: total})
	}
	if threshold := wt.Threshold(cfg); threshold > 0 {
		goals = append(goals, models.Goal{Name: GoalMilestone, Threshold: threshold, Repeating: true})
	}
	return goals
}
