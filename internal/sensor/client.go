// Package sensor defines the contract of the sensing subsystem that tracks
// a workout on the device: lifecycle commands, capability queries and a
// callback-style update listener.
package sensor

import (
	"context"

	"github.com/claude/wodtimer/internal/models"
)

// Capabilities describes what the sensing client can do.
type Capabilities struct {
	Metrics       models.MetricSet
	SupportsGoals bool
}

// Client is the sensing collaborator. One controller owns one Client for the
// lifetime of a session; no other component issues lifecycle calls to it.
type Client interface {
	Capabilities(ctx context.Context) (Capabilities, error)
	Prepare(ctx context.Context, wt models.WorkoutType) error
	Start(ctx context.Context, wt models.WorkoutType, kinds []models.MetricKind, goals []models.Goal) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	End(ctx context.Context) error
	MarkRound(ctx context.Context) error

	// Register installs a listener. The callback may block; the client must
	// not call it again until it returns.
	Register(callback func(Update)) (Registration, error)

	IsSessionInProgress(ctx context.Context) (bool, error)
	IsOwnedByAnotherClient(ctx context.Context) (bool, error)
}

// Registration is the handle returned by Register.
type Registration interface {
	Unregister()
}

// UpdateKind classifies an Update.
type UpdateKind int

const (
	UpdateMetrics UpdateKind = iota
	UpdateRoundSummary
	UpdateAvailability
	UpdateSessionEnded
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMetrics:
		return "metrics"
	case UpdateRoundSummary:
		return "round_summary"
	case UpdateAvailability:
		return "availability"
	case UpdateSessionEnded:
		return "session_ended"
	default:
		return "unknown"
	}
}

// Update is one callback from the sensing client. Checkpoint may accompany
// any kind; readings only accompany UpdateMetrics.
type Update struct {
	Kind         UpdateKind
	Readings     []models.RawReading
	Checkpoint   *models.ActiveDurationCheckpoint
	Rounds       int
	Availability models.Availability
	EndReason    models.EndReason
}
