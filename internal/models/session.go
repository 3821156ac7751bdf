package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle phase of a session.
type Phase int

const (
	Idle Phase = iota
	Preparing
	Ready
	Active
	Paused
	Ending
	Ended
)

var phaseNames = map[Phase]string{
	Idle:      "idle",
	Preparing: "preparing",
	Ready:     "ready",
	Active:    "active",
	Paused:    "paused",
	Ending:    "ending",
	Ended:     "ended",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	return unmarshalName(data, phaseNames, p)
}

// InProgress reports whether a started session has not yet ended.
func (p Phase) InProgress() bool {
	return p == Active || p == Paused || p == Ending
}

// Open reports whether a session exists in this phase: from prepare until it
// has ended.
func (p Phase) Open() bool {
	return p != Idle && p != Ended
}

// DerivedEvent is the outcome of a goal evaluation.
type DerivedEvent int

const (
	EventNone DerivedEvent = iota
	EventMilestone
	EventTimeEnded
)

var derivedEventNames = map[DerivedEvent]string{
	EventNone:      "none",
	EventMilestone: "milestone",
	EventTimeEnded: "time_ended",
}

func (e DerivedEvent) String() string {
	if s, ok := derivedEventNames[e]; ok {
		return s
	}
	return "unknown"
}

func (e DerivedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *DerivedEvent) UnmarshalJSON(data []byte) error {
	return unmarshalName(data, derivedEventNames, e)
}

// unmarshalName decodes a JSON string into the enum value it names.
func unmarshalName[T comparable](data []byte, names map[T]string, dst *T) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for v, name := range names {
		if name == s {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown value %q", s)
}

// EndReason records why a session reached Ended.
type EndReason string

const (
	EndReasonNone      EndReason = ""
	EndReasonUser      EndReason = "user"
	EndReasonTimeEnded EndReason = "time_ended"
	EndReasonExternal  EndReason = "external"
	EndReasonError     EndReason = "error"
)

// Availability is the sensing subsystem's reported ability to deliver data.
type Availability string

const (
	AvailabilityUnknown     Availability = "unknown"
	AvailabilityAcquiring   Availability = "acquiring"
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
)

// ActiveDurationCheckpoint pins accumulated active time to a wall-clock instant
// so elapsed active time can be computed at read time without a ticking timer.
type ActiveDurationCheckpoint struct {
	Time   time.Time     `json:"time"`
	Active time.Duration `json:"active"`
}

// ElapsedAt returns the active time at now. While not running the
// accumulated value is returned unchanged.
func (c ActiveDurationCheckpoint) ElapsedAt(now time.Time, running bool) time.Duration {
	if !running || c.Time.IsZero() || now.Before(c.Time) {
		return c.Active
	}
	return c.Active + now.Sub(c.Time)
}

// SessionState is the published snapshot of a session. Values are copies;
// holding one never observes later mutation.
type SessionState struct {
	ID            uuid.UUID                `json:"id"`
	Phase         Phase                    `json:"phase"`
	WorkoutType   WorkoutType              `json:"workout_type"`
	Configuration WorkoutConfiguration     `json:"configuration"`
	Metrics       CurrentMetrics           `json:"metrics"`
	Rounds        int                      `json:"rounds"`
	Milestones    int                      `json:"milestones"`
	Checkpoint    ActiveDurationCheckpoint `json:"checkpoint"`
	LastEvent     DerivedEvent             `json:"last_event"`
	Availability  Availability             `json:"availability"`
	EndReason     EndReason                `json:"end_reason,omitempty"`
	Error         string                   `json:"error,omitempty"`
	WarmupError   string                   `json:"warmup_error,omitempty"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	EndedAt       *time.Time               `json:"ended_at,omitempty"`

	// ElapsedSec is elapsed active time at the moment the snapshot was taken.
	ElapsedSec float64 `json:"elapsed_sec"`
}

// Elapsed computes active time at now from the checkpoint.
func (s SessionState) Elapsed(now time.Time) time.Duration {
	return s.Checkpoint.ElapsedAt(now, s.Phase == Active)
}

// Clone returns a deep copy.
func (s SessionState) Clone() SessionState {
	c := s
	c.Metrics = s.Metrics.Clone()
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}
