package models

import (
	"time"

	"github.com/google/uuid"
)

// CompletedSession is the record handed to persistence once per ended
// session that reached Active.
type CompletedSession struct {
	ID               uuid.UUID      `json:"id"`
	UserLogin        string         `json:"user_login,omitempty"`
	WorkoutType      WorkoutType    `json:"workout_type"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	DurationSec      float64        `json:"duration_sec"`
	Rounds           int            `json:"rounds"`
	TotalCalories    *float64       `json:"total_calories"`
	AverageHeartRate *float64       `json:"average_heart_rate"`
	EndReason        EndReason      `json:"end_reason"`
	Properties       map[string]any `json:"properties"`
}

// Preferences are the user's last-used session settings.
type Preferences struct {
	UserLogin     string               `json:"user_login,omitempty"`
	WorkoutType   WorkoutType          `json:"workout_type"`
	Configuration WorkoutConfiguration `json:"configuration"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
