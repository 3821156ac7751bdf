package storage

import (
	"context"
	"fmt"
	"time"
)

// SessionStats holds aggregate statistics over a user's completed sessions.
type SessionStats struct {
	TotalSessions    int64             `json:"total_sessions"`
	TotalDurationSec float64           `json:"total_duration_sec"`
	TotalRounds      int64             `json:"total_rounds"`
	TotalCalories    float64           `json:"total_calories"`
	EarliestSession  *time.Time        `json:"earliest_session"`
	LatestSession    *time.Time        `json:"latest_session"`
	ByType           []WorkoutTypeStat `json:"by_type"`
}

// WorkoutTypeStat holds summary stats for a single workout type.
type WorkoutTypeStat struct {
	WorkoutType   string   `json:"workout_type"`
	Count         int64    `json:"count"`
	TotalDuration float64  `json:"total_duration_sec"`
	TotalRounds   int64    `json:"total_rounds"`
	AvgHeartRate  *float64 `json:"avg_heart_rate,omitempty"`
}

// GetSessionStats returns aggregate statistics for a user's sessions.
func (db *DB) GetSessionStats(ctx context.Context, login string) (*SessionStats, error) {
	stats := &SessionStats{}

	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(s.duration_sec), 0), COALESCE(SUM(s.rounds), 0),
		 COALESCE(SUM(s.total_calories), 0), MIN(s.start_time), MAX(s.start_time)
		 FROM completed_sessions s JOIN users u ON u.id = s.user_id
		 WHERE u.login = $1`, userLogin(login),
	).Scan(&stats.TotalSessions, &stats.TotalDurationSec, &stats.TotalRounds,
		&stats.TotalCalories, &stats.EarliestSession, &stats.LatestSession)
	if err != nil {
		return nil, fmt.Errorf("querying session totals: %w", err)
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT s.workout_type, COUNT(*), COALESCE(SUM(s.duration_sec), 0),
		 COALESCE(SUM(s.rounds), 0), AVG(s.avg_heart_rate)
		 FROM completed_sessions s JOIN users u ON u.id = s.user_id
		 WHERE u.login = $1
		 GROUP BY s.workout_type
		 ORDER BY COUNT(*) DESC`, userLogin(login))
	if err != nil {
		return nil, fmt.Errorf("querying sessions by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s WorkoutTypeStat
		if err := rows.Scan(&s.WorkoutType, &s.Count, &s.TotalDuration, &s.TotalRounds, &s.AvgHeartRate); err != nil {
			return nil, fmt.Errorf("scanning workout type stat: %w", err)
		}
		stats.ByType = append(stats.ByType, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}
