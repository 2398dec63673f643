package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RuleType selects the evaluation strategy for one rule.
// Params: threshold/consecutive_failures/missing_data/burn_rate constants.
// Returns: evaluator dispatch key.
type RuleType string

const (
	// RuleThreshold compares one aggregated window value against a threshold.
	RuleThreshold RuleType = "threshold"
	// RuleConsecutiveFailures requires N most recent samples to all violate.
	RuleConsecutiveFailures RuleType = "consecutive_failures"
	// RuleMissingData fires when the latest sample is older than the window.
	RuleMissingData RuleType = "missing_data"
	// RuleBurnRate compares error-budget burn over a short and a long window.
	RuleBurnRate RuleType = "burn_rate"
)

// RuleScope selects which targets a rule evaluates against.
// Params: global/service/target constants.
// Returns: sweep fan-out key.
type RuleScope string

const (
	// ScopeGlobal evaluates against every enabled target.
	ScopeGlobal RuleScope = "global"
	// ScopeService evaluates against targets sharing one service name.
	ScopeService RuleScope = "service"
	// ScopeTarget evaluates against one explicit target.
	ScopeTarget RuleScope = "target"
)

// Priority is the alert severity attached to rule matches.
// Params: P1/P2/P3 constants.
// Returns: alert level for opened incidents.
type Priority string

const (
	// PriorityP1 is the highest severity.
	PriorityP1 Priority = "P1"
	// PriorityP2 is medium severity.
	PriorityP2 Priority = "P2"
	// PriorityP3 is the lowest severity.
	PriorityP3 Priority = "P3"
)

// ConditionLogic combines composite threshold sub-conditions.
// Params: all/any constants.
// Returns: AND/OR combination mode.
type ConditionLogic string

const (
	// LogicAll requires every sub-condition to be evaluable and matched.
	LogicAll ConditionLogic = "all"
	// LogicAny requires at least one evaluable sub-condition to match.
	LogicAny ConditionLogic = "any"
)

// Condition is one sub-condition of a composite threshold rule.
// Params: metric selector, operator, threshold, aggregation, and window.
// Returns: mini threshold spec combined by ConditionLogic.
type Condition struct {
	Metric        string  `json:"metric"`
	Operator      string  `json:"operator"`
	Threshold     float64 `json:"threshold"`
	Aggregation   string  `json:"aggregation"`
	WindowMinutes int     `json:"windowMinutes"`
	MinSamples    int     `json:"minSamples"`
}

// Rule is one named alerting rule evaluated against metric windows.
// Params: shared base fields plus type-specific evaluation parameters.
// Returns: evaluation spec consumed by the evaluator and lifecycle manager.
type Rule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            RuleType       `json:"ruleType"`
	Enabled         bool           `json:"enabled"`
	Scope           RuleScope      `json:"scope"`
	Service         string         `json:"service,omitempty"`
	TargetID        string         `json:"targetId,omitempty"`
	Metric          string         `json:"metric"`
	Operator        string         `json:"operator"`
	Threshold       float64        `json:"threshold"`
	Aggregation     string         `json:"aggregation"`
	WindowMinutes   int            `json:"windowMinutes"`
	MinSamples      int            `json:"minSamples"`
	CooldownMinutes int            `json:"cooldownMinutes"`
	Priority        Priority       `json:"priority"`
	Actions         []string       `json:"actions"`
	ConditionLogic  ConditionLogic `json:"conditionLogic,omitempty"`
	Conditions      []Condition    `json:"conditions,omitempty"`

	// consecutive_failures
	FailureCount int `json:"failureCount,omitempty"`

	// burn_rate
	ShortWindowMinutes int     `json:"shortWindowMinutes,omitempty"`
	LongWindowMinutes  int     `json:"longWindowMinutes,omitempty"`
	SLOTarget          float64 `json:"sloTarget,omitempty"`
	BurnRateThreshold  float64 `json:"burnRateThreshold,omitempty"`

	// LastTriggeredByTarget records the most recent open per target for cooldown.
	LastTriggeredByTarget map[string]time.Time `json:"lastTriggeredByTarget,omitempty"`
}

// IsComposite reports whether the rule combines sub-conditions.
// Params: none.
// Returns: true for threshold rules carrying conditions.
func (r Rule) IsComposite() bool {
	return r.Type == RuleThreshold && len(r.Conditions) > 0
}

// Cooldown returns the minimum duration between opens for one target.
// Params: none.
// Returns: cooldown as duration.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// Validate validates rule shape for its declared type.
// Params: rule fields after config decode.
// Returns: validation error when type-specific fields are inconsistent.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	switch r.Scope {
	case ScopeGlobal:
	case ScopeService:
		if strings.TrimSpace(r.Service) == "" {
			return errors.New("service scope requires service name")
		}
	case ScopeTarget:
		if strings.TrimSpace(r.TargetID) == "" {
			return errors.New("target scope requires targetId")
		}
	default:
		return fmt.Errorf("unsupported scope %q", r.Scope)
	}
	switch r.Priority {
	case PriorityP1, PriorityP2, PriorityP3:
	default:
		return fmt.Errorf("unsupported priority %q", r.Priority)
	}

	switch r.Type {
	case RuleThreshold:
		if len(r.Conditions) > 0 {
			if r.ConditionLogic != LogicAll && r.ConditionLogic != LogicAny {
				return fmt.Errorf("unsupported conditionLogic %q", r.ConditionLogic)
			}
			for i, condition := range r.Conditions {
				if err := validateConditionShape(condition.Metric, condition.Operator, condition.Aggregation, condition.WindowMinutes); err != nil {
					return fmt.Errorf("condition[%d]: %w", i, err)
				}
			}
			return nil
		}
		return validateConditionShape(r.Metric, r.Operator, r.Aggregation, r.WindowMinutes)
	case RuleConsecutiveFailures:
		if r.FailureCount < 2 {
			return errors.New("failureCount must be >=2")
		}
		return validateConditionShape(r.Metric, r.Operator, "latest", r.WindowMinutes)
	case RuleMissingData:
		if r.WindowMinutes <= 0 {
			return errors.New("windowMinutes must be >0")
		}
		return nil
	case RuleBurnRate:
		if r.ShortWindowMinutes <= 0 || r.LongWindowMinutes <= 0 {
			return errors.New("burn_rate requires short and long windows")
		}
		if r.ShortWindowMinutes >= r.LongWindowMinutes {
			return errors.New("short window must be below long window")
		}
		if r.SLOTarget <= 0 || r.SLOTarget > 100 {
			return errors.New("sloTarget must be in (0, 100]")
		}
		if r.BurnRateThreshold <= 0 {
			return errors.New("burnRateThreshold must be >0")
		}
		if strings.TrimSpace(r.Metric) == "" {
			return errors.New("metric is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported ruleType %q", r.Type)
	}
}

// validateConditionShape checks one threshold-style predicate definition.
// Params: metric name, operator, aggregation mode, and window width.
// Returns: validation error for malformed predicate fields.
func validateConditionShape(metric, operator, aggregation string, windowMinutes int) error {
	if strings.TrimSpace(metric) == "" {
		return errors.New("metric is required")
	}
	switch operator {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return fmt.Errorf("unsupported operator %q", operator)
	}
	switch aggregation {
	case "avg", "max", "min", "latest":
	default:
		return fmt.Errorf("unsupported aggregation %q", aggregation)
	}
	if windowMinutes <= 0 {
		return errors.New("windowMinutes must be >0")
	}
	return nil
}

// Fingerprint builds the noise/lifecycle key for one (rule, target) pair.
// Params: rule and target identifiers.
// Returns: "<ruleId>:<targetId>" key.
func Fingerprint(ruleID, targetID string) string {
	return ruleID + ":" + targetID
}
