package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MetricSample is one health observation for one monitored target.
// Params: target reference, unix-millisecond timestamp, and metric values.
// Returns: immutable sample stored by the metric window store.
type MetricSample struct {
	ID            string  `json:"id"`
	TargetID      string  `json:"targetId"`
	Timestamp     int64   `json:"timestamp"`
	QPS           float64 `json:"qps"`
	ErrorRate     float64 `json:"errorRate"`
	LatencyP95    float64 `json:"latencyP95"`
	LatencyP99    float64 `json:"latencyP99"`
	Availability  float64 `json:"availability"`
	StatusCode5xx float64 `json:"statusCode5xx"`
}

// Time converts the sample timestamp into UTC time.
// Params: none.
// Returns: converted UTC time.
func (s MetricSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp).UTC()
}

// SampleInput is one incoming sample before baseline fill-in.
// Params: target reference, timestamp, and optional metric fields.
// Returns: wire payload accepted by ingest interfaces.
type SampleInput struct {
	TargetID      string   `json:"targetId"`
	Timestamp     int64    `json:"timestamp"`
	QPS           *float64 `json:"qps,omitempty"`
	ErrorRate     *float64 `json:"errorRate,omitempty"`
	LatencyP95    *float64 `json:"latencyP95,omitempty"`
	LatencyP99    *float64 `json:"latencyP99,omitempty"`
	Availability  *float64 `json:"availability,omitempty"`
	StatusCode5xx *float64 `json:"statusCode5xx,omitempty"`
}

// DecodeSampleInput decodes and validates one sample payload.
// Params: JSON document bytes.
// Returns: validated input or decode/validation error.
func DecodeSampleInput(raw []byte) (SampleInput, error) {
	var input SampleInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return SampleInput{}, fmt.Errorf("decode sample: %w", err)
	}
	if err := input.Validate(); err != nil {
		return SampleInput{}, err
	}
	return input, nil
}

// DecodeSampleBatch decodes and validates one batch of sample payloads.
// Params: JSON array bytes.
// Returns: validated inputs slice or decode/validation error.
func DecodeSampleBatch(raw []byte) ([]SampleInput, error) {
	var inputs []SampleInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("decode sample batch: %w", err)
	}
	if len(inputs) == 0 {
		return nil, errors.New("sample batch must contain at least one sample")
	}
	for i := range inputs {
		if err := inputs[i].Validate(); err != nil {
			return nil, fmt.Errorf("sample[%d]: %w", i, err)
		}
	}
	return inputs, nil
}

// Validate validates one sample input against the ingest contract.
// Params: input fields parsed from transport.
// Returns: validation error when the contract is violated.
func (s SampleInput) Validate() error {
	if strings.TrimSpace(s.TargetID) == "" {
		return errors.New("targetId is required")
	}
	if s.Timestamp <= 0 {
		return errors.New("timestamp must be >0")
	}
	for _, field := range []struct {
		name  string
		value *float64
	}{
		{"qps", s.QPS},
		{"errorRate", s.ErrorRate},
		{"latencyP95", s.LatencyP95},
		{"latencyP99", s.LatencyP99},
		{"availability", s.Availability},
		{"statusCode5xx", s.StatusCode5xx},
	} {
		if field.value == nil {
			continue
		}
		if math.IsNaN(*field.value) || math.IsInf(*field.value, 0) {
			return fmt.Errorf("%s must be finite", field.name)
		}
		if *field.value < 0 {
			return fmt.Errorf("%s must be >=0", field.name)
		}
	}
	return nil
}

// latencySpreadMin is the enforced minimum gap between p99 and p95 latency.
const latencySpreadMin = 30

// Materialize fills absent fields from the target baseline and clamps latency.
// Params: assigned sample id and owning target baseline.
// Returns: complete sample ready for the window store.
func (s SampleInput) Materialize(id string, baseline TargetBaseline) MetricSample {
	pick := func(value *float64, fallback float64) float64 {
		if value == nil {
			return fallback
		}
		return *value
	}
	sample := MetricSample{
		ID:            id,
		TargetID:      s.TargetID,
		Timestamp:     s.Timestamp,
		QPS:           pick(s.QPS, baseline.QPS),
		ErrorRate:     pick(s.ErrorRate, baseline.ErrorRate),
		LatencyP95:    pick(s.LatencyP95, baseline.LatencyP95),
		LatencyP99:    pick(s.LatencyP99, baseline.LatencyP99),
		Availability:  pick(s.Availability, baseline.Availability),
		StatusCode5xx: pick(s.StatusCode5xx, baseline.StatusCode5xx),
	}
	if sample.LatencyP99 < sample.LatencyP95+latencySpreadMin {
		sample.LatencyP99 = sample.LatencyP95 + latencySpreadMin
	}
	return sample
}
