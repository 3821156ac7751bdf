package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/claude/wodtimer/internal/models"
)

const sessionColumns = `s.id, u.login, s.workout_type, s.start_time, s.end_time, s.duration_sec,
		 s.rounds, s.total_calories, s.avg_heart_rate, s.end_reason, s.properties`

// SaveCompletedSession stores a completion record. Saving the same session
// twice is a no-op.
func (db *DB) SaveCompletedSession(ctx context.Context, s models.CompletedSession) error {
	userID, err := db.GetOrCreateUser(ctx, s.UserLogin, "")
	if err != nil {
		return err
	}
	props, err := encodeProperties(s.Properties)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO completed_sessions (id, user_id, workout_type, start_time, end_time, duration_sec,
		 rounds, total_calories, avg_heart_rate, end_reason, properties)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, userID, s.WorkoutType.String(), s.StartTime, s.EndTime, s.DurationSec,
		s.Rounds, s.TotalCalories, s.AverageHeartRate, string(s.EndReason), props)
	if err != nil {
		return fmt.Errorf("inserting completed session: %w", err)
	}
	return nil
}

// QueryCompletedSessions retrieves a user's sessions started in [start, end),
// newest first.
func (db *DB) QueryCompletedSessions(ctx context.Context, start, end time.Time, login string) ([]models.CompletedSession, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM completed_sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.start_time >= $1 AND s.start_time < $2 AND u.login = $3
		 ORDER BY s.start_time DESC`,
		start, end, userLogin(login))
	if err != nil {
		return nil, fmt.Errorf("querying completed sessions: %w", err)
	}
	defer rows.Close()

	var result []models.CompletedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// GetCompletedSession retrieves one of a user's sessions by ID.
func (db *DB) GetCompletedSession(ctx context.Context, id uuid.UUID, login string) (*models.CompletedSession, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM completed_sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1 AND u.login = $2`,
		id, userLogin(login))
	s, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func scanSession(row interface{ Scan(dest ...any) error }) (*models.CompletedSession, error) {
	var (
		s         models.CompletedSession
		wt        string
		endReason string
		props     []byte
	)
	if err := row.Scan(&s.ID, &s.UserLogin, &wt, &s.StartTime, &s.EndTime, &s.DurationSec,
		&s.Rounds, &s.TotalCalories, &s.AverageHeartRate, &endReason, &props); err != nil {
		return nil, fmt.Errorf("scanning completed session: %w", err)
	}
	parsed, err := models.ParseWorkoutType(wt)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.WorkoutType = parsed
	s.EndReason = models.EndReason(endReason)
	if s.Properties, err = decodeProperties(props); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	return &s, nil
}

func userLogin(login string) string {
	if login == "" {
		return LocalUser
	}
	return login
}

func encodeProperties(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encoding properties: %w", err)
	}
	return b, nil
}

func decodeProperties(b []byte) (map[string]any, error) {
	props := map[string]any{}
	if len(b) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(b, &props); err != nil {
		return nil, fmt.Errorf("decoding properties: %w", err)
	}
	return props, nil
}
