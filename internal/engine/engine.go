package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"healthwatch/internal/clock"
	"healthwatch/internal/domain"
	"healthwatch/internal/evaluate"
	"healthwatch/internal/metricstore"
	"healthwatch/internal/noise"
	"healthwatch/internal/notify"
	"healthwatch/internal/state"
)

var (
	// ErrUnknownTarget rejects samples for unconfigured targets.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrUnknownRule rejects previews for unconfigured rules.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrUnknownAlert rejects lifecycle operations on missing alerts.
	ErrUnknownAlert = errors.New("unknown alert")
	// ErrInvalidTransition rejects lifecycle operations from a wrong status.
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// AlertSink receives lifecycle changes under the engine lock.
// Params: mutable alert, owning rule/target snapshots, and current time.
// Returns: notification side effects owned by the dispatcher.
type AlertSink interface {
	AlertCreated(alert *domain.Alert, rule domain.Rule, target domain.Target, now time.Time)
	AlertResolved(alert *domain.Alert, rule domain.Rule, target domain.Target, now time.Time)
	EnqueueEscalation(alert *domain.Alert, rule domain.Rule, target domain.Target, level notify.EscalationLevel, now time.Time) int
}

// Options configures the alert engine.
// Params: configured targets/rules, collaborators, and escalation policy.
// Returns: construction input for New.
type Options struct {
	Targets []domain.Target
	Rules   []domain.Rule

	Store *metricstore.Store
	Gates *noise.Controller
	Queue *notify.Queue
	Sink  AlertSink
	Clock clock.Clock

	EscalationLevels        []notify.EscalationLevel
	EscalationEnabled       bool
	EscalateRequiresPrimary bool

	Logger *slog.Logger
}

// Engine owns all mutable alerting state behind one mutex.
// Params: see Options.
// Returns: single-writer lifecycle manager.
type Engine struct {
	mu sync.Mutex

	targets     map[string]*domain.Target
	targetOrder []string
	rules       map[string]*domain.Rule
	ruleOrder   []string
	alerts      map[string]*domain.Alert
	alertOrder  []string
	activeByFP  map[string]string

	store *metricstore.Store
	gates *noise.Controller
	queue *notify.Queue
	sink  AlertSink
	clock clock.Clock

	escalationLevels        []notify.EscalationLevel
	escalationEnabled       bool
	escalateRequiresPrimary bool

	logger *slog.Logger
	dirty  bool
}

// New creates the engine from validated configuration.
// Params: options with targets, rules, and collaborators.
// Returns: initialized engine.
func New(opts Options) *Engine {
	eng := &Engine{
		targets:                 make(map[string]*domain.Target, len(opts.Targets)),
		rules:                   make(map[string]*domain.Rule, len(opts.Rules)),
		alerts:                  make(map[string]*domain.Alert),
		activeByFP:              make(map[string]string),
		store:                   opts.Store,
		gates:                   opts.Gates,
		queue:                   opts.Queue,
		sink:                    opts.Sink,
		clock:                   opts.Clock,
		escalationLevels:        opts.EscalationLevels,
		escalationEnabled:       opts.EscalationEnabled,
		escalateRequiresPrimary: opts.EscalateRequiresPrimary,
		logger:                  opts.Logger,
	}
	if eng.clock == nil {
		eng.clock = clock.RealClock{}
	}
	for i := range opts.Targets {
		target := opts.Targets[i]
		eng.targets[target.ID] = &target
		eng.targetOrder = append(eng.targetOrder, target.ID)
	}
	for i := range opts.Rules {
		rule := opts.Rules[i]
		if rule.LastTriggeredByTarget == nil {
			rule.LastTriggeredByTarget = make(map[string]time.Time)
		}
		eng.rules[rule.ID] = &rule
		eng.ruleOrder = append(eng.ruleOrder, rule.ID)
	}
	return eng
}

// BatchResult reports per-sample outcomes for one ingest batch.
// Params: accepted count and one error string per rejected sample.
// Returns: JSON body of the batch ingest response.
type BatchResult struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// IngestSample stores one validated sample and evaluates its target's rules.
// Params: sample input after transport decoding.
// Returns: stored sample or ErrUnknownTarget.
func (e *Engine) IngestSample(input domain.SampleInput) (domain.MetricSample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingestLocked(input)
}

// IngestBatch stores many samples with per-sample error isolation.
// Params: validated sample inputs.
// Returns: accepted count and rejection reasons in input order.
func (e *Engine) IngestBatch(inputs []domain.SampleInput) BatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result BatchResult
	for i, input := range inputs {
		if _, err := e.ingestLocked(input); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sample[%d]: %v", i, err))
			continue
		}
		result.Accepted++
	}
	return result
}

// ingestLocked performs one ingest under the engine lock.
// Params: validated sample input.
// Returns: stored sample or ErrUnknownTarget.
func (e *Engine) ingestLocked(input domain.SampleInput) (domain.MetricSample, error) {
	target, ok := e.targets[input.TargetID]
	if !ok {
		return domain.MetricSample{}, fmt.Errorf("%w: %q", ErrUnknownTarget, input.TargetID)
	}
	stored := e.store.Ingest(input.Materialize("", target.Baseline))
	if !target.Enabled {
		return stored, nil
	}

	now := e.clock.Now()
	for _, ruleID := range e.ruleOrder {
		rule := e.rules[ruleID]
		if !rule.Enabled || !ruleAppliesTo(*rule, *target) {
			continue
		}
		e.evaluateRuleForTarget(rule, target, now)
	}
	e.recomputeHealthLocked(target, now)
	return stored, nil
}

// Sweep evaluates every enabled rule against its scope and refreshes health.
// Params: none; reference time comes from the engine clock.
// Returns: evaluation side effects (opens, resolves, notifications).
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for _, ruleID := range e.ruleOrder {
		rule := e.rules[ruleID]
		if !rule.Enabled {
			continue
		}
		for _, targetID := range e.targetOrder {
			target := e.targets[targetID]
			if !target.Enabled || !ruleAppliesTo(*rule, *target) {
				continue
			}
			e.evaluateRuleForTarget(rule, target, now)
		}
	}
	for _, targetID := range e.targetOrder {
		e.recomputeHealthLocked(e.targets[targetID], now)
	}
}

// ruleAppliesTo reports whether a rule's scope covers one target.
// Params: rule and target snapshots.
// Returns: scope match flag.
func ruleAppliesTo(rule domain.Rule, target domain.Target) bool {
	switch rule.Scope {
	case domain.ScopeService:
		return rule.Service == target.Service
	case domain.ScopeTarget:
		return rule.TargetID == target.ID
	default:
		return true
	}
}

// evaluateRuleForTarget runs one (rule, target) evaluation and applies
// the lifecycle transition it implies. Caller must hold the engine lock.
// Params: mutable rule/target and reference time.
// Returns: alert map mutations and sink side effects.
func (e *Engine) evaluateRuleForTarget(rule *domain.Rule, target *domain.Target, now time.Time) {
	result := evaluate.Evaluate(e.store, *rule, target.ID, now)
	if !result.Evaluable {
		return
	}

	fingerprint := domain.Fingerprint(rule.ID, target.ID)
	activeID, hasActive := e.activeByFP[fingerprint]

	switch {
	case result.Matched && hasActive:
		alert := e.alerts[activeID]
		alert.ObservedValue = result.Value
		alert.Message = result.Message
		alert.UpdatedAt = now
		e.dirty = true

	case result.Matched && !hasActive:
		if last, ok := rule.LastTriggeredByTarget[target.ID]; ok && now.Sub(last) < rule.Cooldown() {
			return
		}
		if allowed, reason := e.gates.AllowOpen(fingerprint, now); !allowed {
			if e.logger != nil {
				e.logger.Debug("alert open suppressed", "rule", rule.ID, "target", target.ID, "reason", reason)
			}
			return
		}
		e.openAlertLocked(rule, target, result, fingerprint, now)

	case !result.Matched && hasActive:
		e.resolveAlertLocked(e.alerts[activeID], rule, target, fingerprint, now)
	}
}

// openAlertLocked creates one alert and fires the trigger pipeline.
// Params: rule/target, matched evaluation, fingerprint, and time.
// Returns: new active alert registered in the engine maps.
func (e *Engine) openAlertLocked(rule *domain.Rule, target *domain.Target, result evaluate.Evaluation, fingerprint string, now time.Time) {
	alert := &domain.Alert{
		ID:            fmt.Sprintf("alert/%s/%s/%d", rule.ID, target.ID, now.Unix()),
		RuleID:        rule.ID,
		TargetID:      target.ID,
		Level:         rule.Priority,
		Status:        domain.AlertOpen,
		Metric:        rule.Metric,
		Operator:      rule.Operator,
		Threshold:     rule.Threshold,
		ObservedValue: result.Value,
		Aggregation:   rule.Aggregation,
		Message:       result.Message,
		TriggeredAt:   now,
		UpdatedAt:     now,
	}
	alert.AppendEvent("created", result.Message, now)

	e.alerts[alert.ID] = alert
	e.alertOrder = append(e.alertOrder, alert.ID)
	e.activeByFP[fingerprint] = alert.ID
	rule.LastTriggeredByTarget[target.ID] = now

	if tripped := e.gates.RecordOpen(fingerprint, now); tripped {
		alert.AppendEvent("auto_silenced", "flapping detected, notifications silenced", now)
		if e.logger != nil {
			e.logger.Warn("flapping fingerprint silenced", "rule", rule.ID, "target", target.ID)
		}
	}
	if e.logger != nil {
		e.logger.Info("alert opened", "alert", alert.ID, "rule", rule.ID, "target", target.ID, "value", result.Value)
	}
	if e.sink != nil {
		e.sink.AlertCreated(alert, *rule, *target, now)
	}
	e.dirty = true
}

// resolveAlertLocked auto-resolves one active alert.
// Params: active alert, rule/target, fingerprint, and time.
// Returns: alert marked resolved with recovery side effects.
func (e *Engine) resolveAlertLocked(alert *domain.Alert, rule *domain.Rule, target *domain.Target, fingerprint string, now time.Time) {
	alert.Status = domain.AlertResolved
	resolvedAt := now
	alert.ResolvedAt = &resolvedAt
	alert.UpdatedAt = now
	alert.AppendEvent("auto_resolved", "condition no longer matches", now)
	delete(e.activeByFP, fingerprint)
	e.gates.RecordResolve(fingerprint, now)

	if e.logger != nil {
		e.logger.Info("alert resolved", "alert", alert.ID, "rule", rule.ID, "target", target.ID)
	}
	if e.sink != nil {
		e.sink.AlertResolved(alert, *rule, *target, now)
	}
	e.dirty = true
}

// Acknowledge moves one open alert to acknowledged.
// Params: alert id.
// Returns: ErrUnknownAlert or ErrInvalidTransition.
func (e *Engine) Acknowledge(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlert, alertID)
	}
	if alert.Status != domain.AlertOpen {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, alertID, alert.Status)
	}
	now := e.clock.Now()
	alert.Status = domain.AlertAcknowledged
	alert.UpdatedAt = now
	alert.AppendEvent("acknowledged", "", now)
	e.dirty = true
	return nil
}

// Unacknowledge moves one acknowledged alert back to open.
// Params: alert id.
// Returns: ErrUnknownAlert or ErrInvalidTransition.
func (e *Engine) Unacknowledge(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlert, alertID)
	}
	if alert.Status != domain.AlertAcknowledged {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, alertID, alert.Status)
	}
	now := e.clock.Now()
	alert.Status = domain.AlertOpen
	alert.UpdatedAt = now
	alert.AppendEvent("reopened", "", now)
	e.dirty = true
	return nil
}

// Close terminates one active alert manually.
// Params: alert id.
// Returns: ErrUnknownAlert or ErrInvalidTransition.
func (e *Engine) Close(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAlert, alertID)
	}
	if !alert.Status.Active() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, alertID, alert.Status)
	}
	now := e.clock.Now()
	alert.Status = domain.AlertClosed
	alert.UpdatedAt = now
	alert.AppendEvent("closed", "closed by operator", now)
	delete(e.activeByFP, alert.Fingerprint())
	e.gates.RecordResolve(alert.Fingerprint(), now)
	e.dirty = true
	return nil
}

// Preview evaluates one rule against one target without side effects.
// Params: rule and target ids.
// Returns: evaluation result or unknown-reference error.
func (e *Engine) Preview(ruleID, targetID string) (evaluate.Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return evaluate.Evaluation{}, fmt.Errorf("%w: %q", ErrUnknownRule, ruleID)
	}
	if _, ok := e.targets[targetID]; !ok {
		return evaluate.Evaluation{}, fmt.Errorf("%w: %q", ErrUnknownTarget, targetID)
	}
	return evaluate.Evaluate(e.store, *rule, targetID, e.clock.Now()), nil
}

// ProcessEscalationTick escalates active alerts past level age thresholds.
// Params: none; reference time comes from the engine clock.
// Returns: number of queued escalation records.
func (e *Engine) ProcessEscalationTick() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.escalationEnabled || len(e.escalationLevels) == 0 || e.sink == nil {
		return 0
	}
	now := e.clock.Now()
	queued := 0
	for _, alertID := range e.alertOrder {
		alert := e.alerts[alertID]
		if !alert.Status.Active() {
			continue
		}
		if e.escalateRequiresPrimary && !e.gates.TriggerSent(alert.Fingerprint()) {
			continue
		}
		rule, ok := e.rules[alert.RuleID]
		if !ok {
			continue
		}
		target, ok := e.targets[alert.TargetID]
		if !ok {
			continue
		}

		age := now.Sub(alert.TriggeredAt)
		for _, level := range e.escalationLevels {
			if age < level.After {
				break
			}
			mark := alert.EscalationFor(level.Level)
			if mark == nil {
				if n := e.sink.EnqueueEscalation(alert, *rule, *target, level, now); n > 0 {
					queued += n
				}
				alert.Escalations = append(alert.Escalations, domain.EscalationMark{Level: level.Level, LastSentAt: now})
				alert.AppendEvent("escalated", fmt.Sprintf("escalation level %d", level.Level), now)
				e.dirty = true
				continue
			}
			if level.Repeat > 0 && now.Sub(mark.LastSentAt) >= level.Repeat {
				if n := e.sink.EnqueueEscalation(alert, *rule, *target, level, now); n > 0 {
					queued += n
				}
				mark.LastSentAt = now
				e.dirty = true
			}
		}
	}
	return queued
}

// recomputeHealthLocked derives one target's health classification.
// Params: mutable target and reference time; caller holds the lock.
// Returns: target health updated in place.
func (e *Engine) recomputeHealthLocked(target *domain.Target, _ time.Time) {
	worst := domain.HealthHealthy
	hasActive := false
	for _, alertID := range e.activeByFP {
		alert := e.alerts[alertID]
		if alert.TargetID != target.ID {
			continue
		}
		hasActive = true
		if alert.Level == domain.PriorityP1 {
			worst = domain.HealthCritical
			break
		}
		worst = domain.HealthDegraded
	}
	if hasActive {
		target.Health = worst
		return
	}

	latest, ok := e.store.Latest(target.ID)
	if !ok {
		target.Health = domain.HealthUnknown
		return
	}
	thresholds := target.Thresholds
	switch {
	case thresholds.ErrorRateCrit > 0 && latest.ErrorRate >= thresholds.ErrorRateCrit,
		thresholds.LatencyP95Crit > 0 && latest.LatencyP95 >= thresholds.LatencyP95Crit:
		target.Health = domain.HealthCritical
	case thresholds.ErrorRateWarn > 0 && latest.ErrorRate >= thresholds.ErrorRateWarn,
		thresholds.LatencyP95Warn > 0 && latest.LatencyP95 >= thresholds.LatencyP95Warn:
		target.Health = domain.HealthDegraded
	default:
		target.Health = domain.HealthHealthy
	}
}

// Alerts lists alerts filtered by optional status.
// Params: status filter; empty string lists everything.
// Returns: alert copies sorted by trigger time descending.
func (e *Engine) Alerts(status domain.AlertStatus) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Alert, 0, len(e.alertOrder))
	for _, alertID := range e.alertOrder {
		alert := e.alerts[alertID]
		if status != "" && alert.Status != status {
			continue
		}
		out = append(out, *alert)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

// Alert returns one alert copy by id.
// Params: alert id.
// Returns: alert copy or ErrUnknownAlert.
func (e *Engine) Alert(alertID string) (domain.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return domain.Alert{}, fmt.Errorf("%w: %q", ErrUnknownAlert, alertID)
	}
	return *alert, nil
}

// Targets lists configured targets with current health.
// Params: none.
// Returns: target copies in config order.
func (e *Engine) Targets() []domain.Target {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Target, 0, len(e.targetOrder))
	for _, targetID := range e.targetOrder {
		out = append(out, *e.targets[targetID])
	}
	return out
}

// Rules lists configured rules.
// Params: none.
// Returns: rule copies in config order.
func (e *Engine) Rules() []domain.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Rule, 0, len(e.ruleOrder))
	for _, ruleID := range e.ruleOrder {
		out = append(out, *e.rules[ruleID])
	}
	return out
}

// ConsumeDirty reports and clears the pending-persistence flag.
// Params: none.
// Returns: true when state changed since the last call.
func (e *Engine) ConsumeDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dirty := e.dirty
	e.dirty = false
	return dirty
}

// Snapshot exports durable engine state for persistence.
// Params: none.
// Returns: snapshot with alerts, queue, noise, cooldowns, and health.
func (e *Engine) Snapshot() state.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := state.Snapshot{
		SavedAt:      e.clock.Now(),
		Alerts:       make([]domain.Alert, 0, len(e.alertOrder)),
		Noise:        e.gates.Snapshot(),
		RuleTriggers: make(map[string]map[string]time.Time, len(e.rules)),
		TargetHealth: make(map[string]domain.HealthStatus, len(e.targets)),
	}
	for _, alertID := range e.alertOrder {
		snapshot.Alerts = append(snapshot.Alerts, *e.alerts[alertID])
	}
	if e.queue != nil {
		snapshot.Queue = e.queue.Snapshot()
	}
	for ruleID, rule := range e.rules {
		if len(rule.LastTriggeredByTarget) == 0 {
			continue
		}
		triggers := make(map[string]time.Time, len(rule.LastTriggeredByTarget))
		for targetID, at := range rule.LastTriggeredByTarget {
			triggers[targetID] = at
		}
		snapshot.RuleTriggers[ruleID] = triggers
	}
	for targetID, target := range e.targets {
		snapshot.TargetHealth[targetID] = target.Health
	}
	return snapshot
}

// Restore replays persisted state into the engine.
// Params: snapshot loaded from the persistence backend.
// Returns: alert/noise/queue/cooldown state replaced.
func (e *Engine) Restore(snapshot state.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.alerts = make(map[string]*domain.Alert, len(snapshot.Alerts))
	e.alertOrder = e.alertOrder[:0]
	e.activeByFP = make(map[string]string)
	for i := range snapshot.Alerts {
		alert := snapshot.Alerts[i]
		e.alerts[alert.ID] = &alert
		e.alertOrder = append(e.alertOrder, alert.ID)
		if alert.Status.Active() {
			e.activeByFP[alert.Fingerprint()] = alert.ID
		}
	}
	e.gates.Restore(snapshot.Noise)
	if e.queue != nil && snapshot.Queue != nil {
		e.queue.Restore(snapshot.Queue)
	}
	for ruleID, triggers := range snapshot.RuleTriggers {
		rule, ok := e.rules[ruleID]
		if !ok {
			continue
		}
		for targetID, at := range triggers {
			rule.LastTriggeredByTarget[targetID] = at
		}
	}
	for targetID, health := range snapshot.TargetHealth {
		if target, ok := e.targets[targetID]; ok {
			target.Health = health
		}
	}
}
