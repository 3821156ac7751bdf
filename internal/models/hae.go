package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// HAETime handles the Health Auto Export date format: "2006-01-02 15:04:05 -0700".
// RFC 3339 is accepted as well since live pushers often emit it.
type HAETime struct {
	time.Time
}

const HAETimeLayout = "2006-01-02 15:04:05 -0700"

func (t *HAETime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return t.Parse(s)
}

func (t HAETime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(HAETimeLayout))
}

// Parse parses a HAE time string, trying the HAE layout first, then RFC 3339.
func (t *HAETime) Parse(s string) error {
	parsed, err := time.Parse(HAETimeLayout, s)
	if err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err2 := time.Parse(time.RFC3339, s)
	if err2 == nil {
		t.Time = parsed
		return nil
	}
	return fmt.Errorf("cannot parse HAE time %q: %w", s, err)
}

// ParseHAETime parses a HAE time string into a time.Time.
func ParseHAETime(s string) (time.Time, error) {
	var t HAETime
	if err := t.Parse(s); err != nil {
		return time.Time{}, err
	}
	return t.Time, nil
}

// LivePayload is the JSON pushed by a paired device while a session runs.
// Metrics use the Health Auto Export REST shape so existing exporters can
// point at the ingest endpoint unchanged.
type LivePayload struct {
	Data LiveData `json:"data"`
}

// LiveData holds one push worth of live session data.
type LiveData struct {
	Metrics      []HAEMetric  `json:"metrics"`
	Rounds       *int         `json:"rounds,omitempty"`
	Availability Availability `json:"availability,omitempty"`
	// Ended is set when the device ended the session on its own
	// (another app took over, watch removed).
	Ended bool `json:"ended,omitempty"`
	// OwnedByOther is set while another app on the device holds the session.
	OwnedByOther bool `json:"owned_by_other,omitempty"`
}

// HAEMetric is a single metric entry with name, units, and data points.
type HAEMetric struct {
	Name  string            `json:"name"`
	Units string            `json:"units"`
	Data  []json.RawMessage `json:"data"`
}

// HAEMetricDataPoint is a standard metric data point with qty.
type HAEMetricDataPoint struct {
	Date HAETime `json:"date"`
	Qty  float64 `json:"qty"`
}

// HAEHeartRateDataPoint has Min/Avg/Max fields (capitalized in HAE JSON).
type HAEHeartRateDataPoint struct {
	Date HAETime `json:"date"`
	Min  float64 `json:"Min"`
	Avg  float64 `json:"Avg"`
	Max  float64 `json:"Max"`
}
