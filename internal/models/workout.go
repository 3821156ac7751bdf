package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// WorkoutType is the closed set of timed workout formats.
type WorkoutType int

const (
	AMRAP WorkoutType = iota
	EMOM
	Tabata
	ForTime
)

var workoutTypeNames = map[WorkoutType]string{
	AMRAP:   "AMRAP",
	EMOM:    "EMOM",
	Tabata:  "TABATA",
	ForTime: "FOR_TIME",
}

var workoutTypeFromName = map[string]WorkoutType{
	"AMRAP":    AMRAP,
	"EMOM":     EMOM,
	"TABATA":   Tabata,
	"FOR_TIME": ForTime,
}

func (t WorkoutType) String() string {
	if s, ok := workoutTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether t is one of the known workout types.
func (t WorkoutType) Valid() bool {
	_, ok := workoutTypeNames[t]
	return ok
}

// ParseWorkoutType accepts the canonical names case-insensitively;
// "for-time" and "fortime" are accepted for FOR_TIME.
func ParseWorkoutType(s string) (WorkoutType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "FORTIME" {
		norm = "FOR_TIME"
	}
	if t, ok := workoutTypeFromName[norm]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown workout type %q", s)
}

func (t WorkoutType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *WorkoutType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseWorkoutType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RoundPolicy controls whether milestones advance the round count.
type RoundPolicy int

const (
	ManualOnly RoundPolicy = iota
	AutoOnInterval
)

func (p RoundPolicy) String() string {
	if p == AutoOnInterval {
		return "auto_on_interval"
	}
	return "manual_only"
}

// workoutRule is the per-variant behavior of a WorkoutType.
type workoutRule struct {
	threshold func(WorkoutConfiguration) time.Duration
	policy    RoundPolicy
}

var workoutRules = [...]workoutRule{
	AMRAP: {
		threshold: func(c WorkoutConfiguration) time.Duration { return c.Active },
		policy:    ManualOnly,
	},
	EMOM: {
		threshold: func(c WorkoutConfiguration) time.Duration { return c.Active + c.Rest },
		policy:    AutoOnInterval,
	},
	Tabata: {
		threshold: func(c WorkoutConfiguration) time.Duration { return c.Active + c.Rest },
		policy:    AutoOnInterval,
	},
	ForTime: {
		threshold: func(c WorkoutConfiguration) time.Duration { return c.Active },
		policy:    ManualOnly,
	},
}

func (t WorkoutType) rule() workoutRule {
	if !t.Valid() {
		return workoutRule{
			threshold: func(WorkoutConfiguration) time.Duration { return 0 },
			policy:    ManualOnly,
		}
	}
	return workoutRules[t]
}

// Threshold returns the elapsed active time between two consecutive
// boundaries for this workout type. It depends on cfg only.
func (t WorkoutType) Threshold(cfg WorkoutConfiguration) time.Duration {
	return t.rule().threshold(cfg)
}

// RoundPolicy returns how rounds advance for this workout type.
func (t WorkoutType) RoundPolicy() RoundPolicy {
	return t.rule().policy
}

// WorkoutConfiguration is the immutable timing setup of one session.
type WorkoutConfiguration struct {
	Active time.Duration
	Rest   time.Duration
	Rounds int
}

// configurationJSON is the wire shape: whole seconds.
type configurationJSON struct {
	ActiveSec int64 `json:"active_sec"`
	RestSec   int64 `json:"rest_sec"`
	Rounds    int   `json:"rounds"`
}

func (c WorkoutConfiguration) MarshalJSON() ([]byte, error) {
	return json.Marshal(configurationJSON{
		ActiveSec: int64(c.Active / time.Second),
		RestSec:   int64(c.Rest / time.Second),
		Rounds:    c.Rounds,
	})
}

func (c *WorkoutConfiguration) UnmarshalJSON(data []byte) error {
	var raw configurationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := ConfigurationFromSeconds(raw.ActiveSec, raw.RestSec, raw.Rounds)
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

// ConfigurationFromSeconds builds a configuration from whole seconds,
// rejecting values that do not fit in a time.Duration.
func ConfigurationFromSeconds(activeSec, restSec int64, rounds int) (WorkoutConfiguration, error) {
	if activeSec < 0 || activeSec > maxSeconds || restSec < 0 || restSec > maxSeconds {
		return WorkoutConfiguration{}, fmt.Errorf("durations must be between 0 and %d seconds", maxSeconds)
	}
	return WorkoutConfiguration{
		Active: time.Duration(activeSec) * time.Second,
		Rest:   time.Duration(restSec) * time.Second,
		Rounds: rounds,
	}, nil
}

// TotalDuration is Rounds × (Active + Rest). Validate guarantees it does not
// overflow.
func (c WorkoutConfiguration) TotalDuration() time.Duration {
	return time.Duration(c.Rounds) * (c.Active + c.Rest)
}

// Validate rejects negative values, a configuration without any active time
// and one whose total duration does not fit in a time.Duration.
func (c WorkoutConfiguration) Validate() error {
	if c.Active < 0 || c.Rest < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Rounds < 0 {
		return fmt.Errorf("rounds must not be negative")
	}
	if c.Active == 0 && c.Rest == 0 && c.Rounds > 0 {
		return fmt.Errorf("active duration is required when rounds are set")
	}
	interval := c.Active + c.Rest
	if interval < 0 {
		return fmt.Errorf("active plus rest duration is too long")
	}
	if c.Rounds > 0 && interval > time.Duration(math.MaxInt64/int64(c.Rounds)) {
		return fmt.Errorf("total duration is too long")
	}
	return nil
}

// Properties flattens the configuration into the open property map stored
// with a completed session.
func (c WorkoutConfiguration) Properties() map[string]any {
	return map[string]any{
		"active_sec": int64(c.Active / time.Second),
		"rest_sec":   int64(c.Rest / time.Second),
		"rounds":     c.Rounds,
		"total_sec":  int64(c.TotalDuration() / time.Second),
	}
}
