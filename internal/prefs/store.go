// Package prefs keeps last-used workout settings in a local SQLite file.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/claude/wodtimer/internal/models"

	_ "modernc.org/sqlite"
)

// DefaultLogin keys preferences saved without a user.
const DefaultLogin = "local"

// Store persists one Preferences row per user.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the preferences database at dir/prefs.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating prefs dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "prefs.db"))
	if err != nil {
		return nil, fmt.Errorf("opening prefs db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS preferences (
		login        TEXT PRIMARY KEY,
		workout_type TEXT NOT NULL,
		active_sec   INTEGER NOT NULL,
		rest_sec     INTEGER NOT NULL,
		rounds       INTEGER NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating preferences table: %w", err)
	}

	return &Store{db: db}, nil
}

// SavePreferences replaces the user's preferences.
func (s *Store) SavePreferences(ctx context.Context, p models.Preferences) error {
	if !p.WorkoutType.Valid() {
		return fmt.Errorf("saving preferences: unknown workout type")
	}
	if err := p.Configuration.Validate(); err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO preferences (login, workout_type, active_sec, rest_sec, rounds, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		loginKey(p.UserLogin), p.WorkoutType.String(),
		int64(p.Configuration.Active/time.Second), int64(p.Configuration.Rest/time.Second),
		p.Configuration.Rounds, p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

// LoadPreferences returns the user's preferences. The second result is
// false when none have been saved.
func (s *Store) LoadPreferences(ctx context.Context, login string) (models.Preferences, bool, error) {
	var (
		wt           string
		active, rest int64
		rounds       int
		updatedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workout_type, active_sec, rest_sec, rounds, updated_at FROM preferences WHERE login = ?`,
		loginKey(login),
	).Scan(&wt, &active, &rest, &rounds, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		return models.Preferences{}, false, fmt.Errorf("loading preferences: %w", err)
	}
	parsed, err := models.ParseWorkoutType(wt)
	if err != nil {
		return models.Preferences{}, false, fmt.Errorf("loading preferences: %w", err)
	}
	return models.Preferences{
		UserLogin:   login,
		WorkoutType: parsed,
		Configuration: models.WorkoutConfiguration{
			Active: time.Duration(active) * time.Second,
			Rest:   time.Duration(rest) * time.Second,
			Rounds: rounds,
		},
		UpdatedAt: updatedAt,
	}, true, nil
}

// Close closes the preferences database.
func (s *Store) Close() error {
	return s.db.Close()
}

func loginKey(login string) string {
	if login == "" {
		return DefaultLogin
	}
	return login
}
