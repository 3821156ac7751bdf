package models

import (
	"encoding/json"
	"sort"
)

// MetricKind identifies a data type the sensing client can report.
type MetricKind int

const (
	HeartRate        MetricKind = iota // instantaneous bpm
	Calories                           // cumulative kcal since session start
	HeartRateAverage                   // running session average bpm
)

var metricKindNames = map[MetricKind]string{
	HeartRate:        "heart_rate",
	Calories:         "calories",
	HeartRateAverage: "heart_rate_avg",
}

func (k MetricKind) String() string {
	if s, ok := metricKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k MetricKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// AllMetricKinds is the set a session asks for before capability filtering.
var AllMetricKinds = NewMetricSet(HeartRate, Calories, HeartRateAverage)

// MetricSet is a set of metric kinds.
type MetricSet map[MetricKind]struct{}

// NewMetricSet builds a set from kinds.
func NewMetricSet(kinds ...MetricKind) MetricSet {
	s := make(MetricSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether k is in the set.
func (s MetricSet) Has(k MetricKind) bool {
	_, ok := s[k]
	return ok
}

// Intersect returns the kinds present in both sets.
func (s MetricSet) Intersect(other MetricSet) MetricSet {
	out := make(MetricSet)
	for k := range s {
		if other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Kinds returns the members in a stable order.
func (s MetricSet) Kinds() []MetricKind {
	out := make([]MetricKind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RawReading is one batch of values for a single metric kind as delivered
// by the sensing client. Values are in delivery order; the last is latest.
type RawReading struct {
	Kind   MetricKind
	Values []float64
}

// Latest returns the most recent value, if any.
func (r RawReading) Latest() (float64, bool) {
	if len(r.Values) == 0 {
		return 0, false
	}
	return r.Values[len(r.Values)-1], true
}

// CurrentMetrics is the last known value per metric; nil means unknown.
type CurrentMetrics struct {
	HeartRate        *float64 `json:"heart_rate"`
	Calories         *float64 `json:"calories"`
	AverageHeartRate *float64 `json:"average_heart_rate"`
}

// Clone returns a copy that shares no pointers with m.
func (m CurrentMetrics) Clone() CurrentMetrics {
	return CurrentMetrics{
		HeartRate:        clonePtr(m.HeartRate),
		Calories:         clonePtr(m.Calories),
		AverageHeartRate: clonePtr(m.AverageHeartRate),
	}
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
