package mcp

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/session"
	"github.com/claude/wodtimer/internal/storage"
)

// DataSource abstracts the data layer for MCP tools. Both Local (in-process)
// and HTTPClient (remote via REST API) satisfy this interface.
type DataSource interface {
	CurrentSession(ctx context.Context) (models.SessionState, error)
	QueryCompletedSessions(ctx context.Context, start, end time.Time, login string) ([]models.CompletedSession, error)
	GetCompletedSession(ctx context.Context, id uuid.UUID, login string) (*models.CompletedSession, error)
	GetSessionStats(ctx context.Context, login string) (*storage.SessionStats, error)
	LoadPreferences(ctx context.Context, login string) (models.Preferences, bool, error)
}

// History is the completed-session part of a DataSource. *storage.DB satisfies it.
type History interface {
	QueryCompletedSessions(ctx context.Context, start, end time.Time, login string) ([]models.CompletedSession, error)
	GetCompletedSession(ctx context.Context, id uuid.UUID, login string) (*models.CompletedSession, error)
	GetSessionStats(ctx context.Context, login string) (*storage.SessionStats, error)
}

// PreferenceReader loads saved workout defaults. *prefs.Store satisfies it.
type PreferenceReader interface {
	LoadPreferences(ctx context.Context, login string) (models.Preferences, bool, error)
}

// Local serves MCP reads from the running server's own components.
type Local struct {
	History
	PreferenceReader
	host *session.Host
}

// Compile-time checks.
var (
	_ DataSource = (*Local)(nil)
	_ History    = (*storage.DB)(nil)
)

// NewLocal combines the session host, history and preferences.
func NewLocal(host *session.Host, history History, prefs PreferenceReader) *Local {
	return &Local{History: history, PreferenceReader: prefs, host: host}
}

// CurrentSession returns the host's latest snapshot.
func (l *Local) CurrentSession(ctx context.Context) (models.SessionState, error) {
	return l.host.Snapshot(), nil
}
