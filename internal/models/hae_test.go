package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestParseHAETimeFullDatetime verifies parsing the standard HAE datetime format.
func TestParseHAETimeFullDatetime(t *testing.T) {
	got, err := ParseHAETime("2024-02-06 14:30:00 -0800")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 2, 6, 14, 30, 0, 0, time.FixedZone("", -8*3600))
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestParseHAETimeRFC3339 verifies the RFC 3339 fallback used by live pushers.
func TestParseHAETimeRFC3339(t *testing.T) {
	got, err := ParseHAETime("2024-02-06T14:30:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Hour() != 14 || got.Minute() != 30 {
		t.Errorf("got %v, want 14:30", got)
	}
}

// TestParseHAETimeInvalid verifies that an invalid date string returns an error.
func TestParseHAETimeInvalid(t *testing.T) {
	if _, err := ParseHAETime("not-a-date"); err == nil {
		t.Fatal("expected error for invalid date")
	}
}

// TestLivePayloadUnmarshal verifies a live push with metrics, rounds and availability decodes.
func TestLivePayloadUnmarshal(t *testing.T) {
	raw := `{
		"data": {
			"metrics": [
				{
					"name": "heart_rate",
					"units": "bpm",
					"data": [
						{"date": "2024-02-06 14:30:00 -0800", "Min": 65, "Avg": 72, "Max": 85}
					]
				}
			],
			"rounds": 4,
			"availability": "available"
		}
	}`
	var p LivePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(p.Data.Metrics) != 1 || p.Data.Metrics[0].Name != "heart_rate" {
		t.Fatalf("metrics = %+v", p.Data.Metrics)
	}
	if p.Data.Rounds == nil || *p.Data.Rounds != 4 {
		t.Errorf("rounds = %v, want 4", p.Data.Rounds)
	}
	if p.Data.Availability != AvailabilityAvailable {
		t.Errorf("availability = %q", p.Data.Availability)
	}

	var hr HAEHeartRateDataPoint
	if err := json.Unmarshal(p.Data.Metrics[0].Data[0], &hr); err != nil {
		t.Fatalf("unmarshal hr: %v", err)
	}
	if hr.Avg != 72 {
		t.Errorf("avg = %f, want 72", hr.Avg)
	}
}
