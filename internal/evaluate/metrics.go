package evaluate

import (
	"math"

	"healthwatch/internal/domain"
)

// MetricNames lists selectable sample metrics in stable order.
// Params: none.
// Returns: supported metric name slice.
func MetricNames() []string {
	return []string{"qps", "errorRate", "latencyP95", "latencyP99", "availability", "statusCode5xx"}
}

// MetricValue selects one named metric from a sample.
// Params: sample and metric name.
// Returns: metric value and support flag (false for unknown names).
func MetricValue(sample domain.MetricSample, metric string) (float64, bool) {
	switch metric {
	case "qps":
		return sample.QPS, true
	case "errorRate":
		return sample.ErrorRate, true
	case "latencyP95":
		return sample.LatencyP95, true
	case "latencyP99":
		return sample.LatencyP99, true
	case "availability":
		return sample.Availability, true
	case "statusCode5xx":
		return sample.StatusCode5xx, true
	default:
		return 0, false
	}
}

// IsSupportedMetric reports whether the metric name is selectable.
// Params: metric name.
// Returns: true for known metrics.
func IsSupportedMetric(metric string) bool {
	_, ok := MetricValue(domain.MetricSample{}, metric)
	return ok
}

// collectValues extracts finite metric values from a sample window.
// Params: window samples and metric name.
// Returns: finite values in insertion order.
func collectValues(samples []domain.MetricSample, metric string) []float64 {
	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		value, ok := MetricValue(sample, metric)
		if !ok {
			continue
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		values = append(values, value)
	}
	return values
}

// aggregate folds window values by aggregation mode.
// Params: non-empty values slice and avg/max/min/latest mode.
// Returns: aggregated value.
func aggregate(values []float64, mode string) float64 {
	switch mode {
	case "max":
		out := values[0]
		for _, value := range values[1:] {
			if value > out {
				out = value
			}
		}
		return out
	case "min":
		out := values[0]
		for _, value := range values[1:] {
			if value < out {
				out = value
			}
		}
		return out
	case "latest":
		return values[len(values)-1]
	default: // avg
		sum := 0.0
		for _, value := range values {
			sum += value
		}
		return sum / float64(len(values))
	}
}

// compare applies one comparison operator.
// Params: left value, operator, and right threshold.
// Returns: comparison result (false for unknown operators).
func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	default:
		return false
	}
}
