package domain

// HealthStatus is the aggregate health classification of one target.
// Params: healthy/degraded/critical/unknown constants.
// Returns: status recomputed by the sweep.
type HealthStatus string

const (
	// HealthHealthy indicates no active alert and all thresholds satisfied.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded indicates a warning-level condition or P2/P3 alert.
	HealthDegraded HealthStatus = "degraded"
	// HealthCritical indicates a critical-level condition or P1 alert.
	HealthCritical HealthStatus = "critical"
	// HealthUnknown indicates no sample has ever been ingested.
	HealthUnknown HealthStatus = "unknown"
)

// TargetBaseline supplies fallback values for absent sample fields.
// Params: one default value per sample metric.
// Returns: fill-in values applied at ingest time.
type TargetBaseline struct {
	QPS           float64 `json:"qps"`
	ErrorRate     float64 `json:"errorRate"`
	LatencyP95    float64 `json:"latencyP95"`
	LatencyP99    float64 `json:"latencyP99"`
	Availability  float64 `json:"availability"`
	StatusCode5xx float64 `json:"statusCode5xx"`
}

// TargetThresholds derives target health when no alert is active.
// Params: warn/crit boundaries on error rate and p95 latency.
// Returns: thresholds consulted by the sweep health pass.
type TargetThresholds struct {
	ErrorRateWarn  float64 `json:"errorRateWarn"`
	ErrorRateCrit  float64 `json:"errorRateCrit"`
	LatencyP95Warn float64 `json:"latencyP95Warn"`
	LatencyP95Crit float64 `json:"latencyP95Crit"`
}

// Target is one monitored HTTP API.
// Params: identity, service grouping, baseline, and health thresholds.
// Returns: scope unit for rules and samples.
type Target struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Service    string           `json:"service"`
	Enabled    bool             `json:"enabled"`
	Health     HealthStatus     `json:"health"`
	Baseline   TargetBaseline   `json:"baseline"`
	Thresholds TargetThresholds `json:"thresholds"`
}
