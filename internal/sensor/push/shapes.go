package push

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/claude/wodtimer/internal/models"
)

// MetricShape describes the data point structure for a metric.
type MetricShape int

const (
	ShapeQty       MetricShape = iota // Standard: {"qty": N}
	ShapeMinAvgMax                    // Heart rate: {"Min": N, "Avg": N, "Max": N}
)

// metricRoute maps an HAE metric name onto the session metric it feeds.
type metricRoute struct {
	kind  models.MetricKind
	shape MetricShape
	// delta points are summed into a running total.
	delta bool
}

var routes = map[string]metricRoute{
	"heart_rate":     {kind: models.HeartRate, shape: ShapeMinAvgMax},
	"heart_rate_avg": {kind: models.HeartRateAverage, shape: ShapeQty},
	"active_energy":  {kind: models.Calories, shape: ShapeQty, delta: true},
}

// DetectMetricShape returns the expected data point shape for a metric name.
func DetectMetricShape(name string) MetricShape {
	if r, ok := routes[name]; ok {
		return r.shape
	}
	return ShapeQty
}

// AcceptedMetrics lists the metric names the push client understands.
func AcceptedMetrics() []string {
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pointValue extracts the value of one data point. Heart rate uses the
// interval average.
func pointValue(shape MetricShape, raw json.RawMessage) (float64, error) {
	switch shape {
	case ShapeMinAvgMax:
		var dp models.HAEHeartRateDataPoint
		if err := json.Unmarshal(raw, &dp); err != nil {
			return 0, fmt.Errorf("parsing min/avg/max: %w", err)
		}
		return dp.Avg, nil
	default:
		var dp models.HAEMetricDataPoint
		if err := json.Unmarshal(raw, &dp); err != nil {
			return 0, fmt.Errorf("parsing qty: %w", err)
		}
		return dp.Qty, nil
	}
}
