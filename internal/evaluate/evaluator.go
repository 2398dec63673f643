package evaluate

import (
	"fmt"
	"time"

	"healthwatch/internal/domain"
	"healthwatch/internal/metricstore"
)

// Not-evaluable reasons reported on Evaluation.Reason.
const (
	// ReasonInsufficientSamples marks windows below the minSamples floor.
	ReasonInsufficientSamples = "insufficient_samples"
	// ReasonUnsupportedMetric marks unknown metric selectors.
	ReasonUnsupportedMetric = "unsupported_metric"
	// ReasonUnsupportedRuleType marks unknown rule types.
	ReasonUnsupportedRuleType = "unsupported_rule_type"
	// ReasonEmptyWindow marks burn-rate windows without samples.
	ReasonEmptyWindow = "empty_window"
)

// Evaluation is the outcome of one rule check at one point in time.
// Params: evaluability, match flag, observed value, and diagnostics.
// Returns: side-effect-free result consumed by the lifecycle manager.
type Evaluation struct {
	Evaluable   bool    `json:"evaluable"`
	Matched     bool    `json:"matched"`
	Value       float64 `json:"value"`
	SampleCount int     `json:"sampleCount"`
	Message     string  `json:"message,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// notEvaluable builds a non-throwing failure result.
// Params: reason code and optional sample count.
// Returns: evaluation with Evaluable=false.
func notEvaluable(reason string, sampleCount int) Evaluation {
	return Evaluation{Evaluable: false, Reason: reason, SampleCount: sampleCount}
}

// Evaluate runs one rule against one target at a reference time.
// Params: metric store, rule definition, target id, and reference time.
// Returns: evaluation result; never panics and never mutates state.
func Evaluate(store *metricstore.Store, rule domain.Rule, targetID string, ref time.Time) Evaluation {
	switch rule.Type {
	case domain.RuleThreshold:
		if rule.IsComposite() {
			return evaluateComposite(store, rule, targetID, ref)
		}
		return evaluateCondition(store, domain.Condition{
			Metric:        rule.Metric,
			Operator:      rule.Operator,
			Threshold:     rule.Threshold,
			Aggregation:   rule.Aggregation,
			WindowMinutes: rule.WindowMinutes,
			MinSamples:    rule.MinSamples,
		}, targetID, ref)
	case domain.RuleConsecutiveFailures:
		return evaluateConsecutiveFailures(store, rule, targetID, ref)
	case domain.RuleMissingData:
		return evaluateMissingData(store, rule, targetID, ref)
	case domain.RuleBurnRate:
		return evaluateBurnRate(store, rule, targetID, ref)
	default:
		return notEvaluable(ReasonUnsupportedRuleType, 0)
	}
}

// evaluateCondition checks one threshold predicate over a sliding window.
// Params: store, condition spec, target id, and reference time.
// Returns: evaluation with aggregated value and comparison result.
func evaluateCondition(store *metricstore.Store, condition domain.Condition, targetID string, ref time.Time) Evaluation {
	if !IsSupportedMetric(condition.Metric) {
		return notEvaluable(ReasonUnsupportedMetric, 0)
	}
	start := ref.Add(-time.Duration(condition.WindowMinutes) * time.Minute)
	samples := store.QueryWindow(targetID, start.UnixMilli(), ref.UnixMilli())
	values := collectValues(samples, condition.Metric)

	minSamples := condition.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	if len(values) < minSamples {
		return notEvaluable(ReasonInsufficientSamples, len(values))
	}

	value := aggregate(values, condition.Aggregation)
	matched := compare(value, condition.Operator, condition.Threshold)
	return Evaluation{
		Evaluable:   true,
		Matched:     matched,
		Value:       value,
		SampleCount: len(values),
		Message: fmt.Sprintf("%s %s=%.2f %s %.2f over %dm",
			condition.Metric, condition.Aggregation, value, condition.Operator, condition.Threshold, condition.WindowMinutes),
	}
}

// evaluateComposite combines sub-conditions with all/any logic.
// Params: store, composite rule, target id, and reference time.
// Returns: combined evaluation; value counts matched conditions.
func evaluateComposite(store *metricstore.Store, rule domain.Rule, targetID string, ref time.Time) Evaluation {
	evaluable := 0
	matched := 0
	sampleCount := 0
	firstBlock := ""
	message := ""

	for _, condition := range rule.Conditions {
		result := evaluateCondition(store, condition, targetID, ref)
		sampleCount += result.SampleCount
		if !result.Evaluable {
			if firstBlock == "" {
				firstBlock = result.Reason
			}
			continue
		}
		evaluable++
		if result.Matched {
			matched++
			if message != "" {
				message += "; "
			}
			message += result.Message
		}
	}

	switch rule.ConditionLogic {
	case domain.LogicAny:
		if evaluable == 0 {
			return notEvaluable(firstBlock, sampleCount)
		}
		return Evaluation{
			Evaluable:   true,
			Matched:     matched > 0,
			Value:       float64(matched),
			SampleCount: sampleCount,
			Message:     message,
		}
	default: // all
		if evaluable < len(rule.Conditions) {
			return notEvaluable(firstBlock, sampleCount)
		}
		return Evaluation{
			Evaluable:   true,
			Matched:     matched == len(rule.Conditions),
			Value:       float64(matched),
			SampleCount: sampleCount,
			Message:     message,
		}
	}
}

// evaluateConsecutiveFailures requires the N newest samples to all violate.
// Params: store, rule with failureCount, target id, and reference time.
// Returns: evaluation over the most recent failureCount samples in window.
func evaluateConsecutiveFailures(store *metricstore.Store, rule domain.Rule, targetID string, ref time.Time) Evaluation {
	if !IsSupportedMetric(rule.Metric) {
		return notEvaluable(ReasonUnsupportedMetric, 0)
	}
	start := ref.Add(-time.Duration(rule.WindowMinutes) * time.Minute)
	samples := store.QueryWindow(targetID, start.UnixMilli(), ref.UnixMilli())
	if len(samples) < rule.FailureCount {
		return notEvaluable(ReasonInsufficientSamples, len(samples))
	}

	tail := samples[len(samples)-rule.FailureCount:]
	lastValue := 0.0
	failing := 0
	for _, sample := range tail {
		value, _ := MetricValue(sample, rule.Metric)
		lastValue = value
		if compare(value, rule.Operator, rule.Threshold) {
			failing++
		}
	}
	matched := failing == rule.FailureCount
	return Evaluation{
		Evaluable:   true,
		Matched:     matched,
		Value:       lastValue,
		SampleCount: rule.FailureCount,
		Message: fmt.Sprintf("%d/%d consecutive samples with %s %s %.2f",
			failing, rule.FailureCount, rule.Metric, rule.Operator, rule.Threshold),
	}
}

// evaluateMissingData fires when the latest sample is older than the window.
// Params: store, rule with windowMinutes, target id, and reference time.
// Returns: always-evaluable result; value is the gap in minutes.
func evaluateMissingData(store *metricstore.Store, rule domain.Rule, targetID string, ref time.Time) Evaluation {
	latest, ok := store.Latest(targetID)
	if !ok {
		return Evaluation{
			Evaluable: true,
			Matched:   true,
			Value:     float64(rule.WindowMinutes + 1),
			Message:   "no samples ever ingested",
		}
	}
	gapMinutes := ref.Sub(latest.Time()).Minutes()
	return Evaluation{
		Evaluable:   true,
		Matched:     gapMinutes > float64(rule.WindowMinutes),
		Value:       gapMinutes,
		SampleCount: 1,
		Message:     fmt.Sprintf("last sample %.1fm ago, window %dm", gapMinutes, rule.WindowMinutes),
	}
}

// evaluateBurnRate compares error-budget burn over two windows.
// Params: store, burn-rate rule, target id, and reference time.
// Returns: evaluation; value is the short-window burn factor.
func evaluateBurnRate(store *metricstore.Store, rule domain.Rule, targetID string, ref time.Time) Evaluation {
	if !IsSupportedMetric(rule.Metric) {
		return notEvaluable(ReasonUnsupportedMetric, 0)
	}
	shortStart := ref.Add(-time.Duration(rule.ShortWindowMinutes) * time.Minute)
	longStart := ref.Add(-time.Duration(rule.LongWindowMinutes) * time.Minute)
	shortValues := collectValues(store.QueryWindow(targetID, shortStart.UnixMilli(), ref.UnixMilli()), rule.Metric)
	longValues := collectValues(store.QueryWindow(targetID, longStart.UnixMilli(), ref.UnixMilli()), rule.Metric)
	if len(shortValues) == 0 || len(longValues) == 0 {
		return notEvaluable(ReasonEmptyWindow, len(shortValues)+len(longValues))
	}

	errorBudget := 100 - rule.SLOTarget
	if errorBudget < 0.001 {
		errorBudget = 0.001
	}
	shortBurn := aggregate(shortValues, "avg") / errorBudget
	longBurn := aggregate(longValues, "avg") / errorBudget
	matched := shortBurn >= rule.BurnRateThreshold && longBurn >= rule.BurnRateThreshold
	return Evaluation{
		Evaluable:   true,
		Matched:     matched,
		Value:       shortBurn,
		SampleCount: len(shortValues) + len(longValues),
		Message: fmt.Sprintf("burn short=%.2fx long=%.2fx threshold=%.2fx budget=%.3f",
			shortBurn, longBurn, rule.BurnRateThreshold, errorBudget),
	}
}
