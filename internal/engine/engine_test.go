package engine

import (
	"errors"
	"testing"
	"time"

	"healthwatch/internal/clock"
	"healthwatch/internal/domain"
	"healthwatch/internal/metricstore"
	"healthwatch/internal/noise"
	"healthwatch/internal/notify"
)

type sinkRecorder struct {
	created   []string
	resolved  []string
	escalated []int
}

func (s *sinkRecorder) AlertCreated(alert *domain.Alert, _ domain.Rule, _ domain.Target, _ time.Time) {
	s.created = append(s.created, alert.ID)
}

func (s *sinkRecorder) AlertResolved(alert *domain.Alert, _ domain.Rule, _ domain.Target, _ time.Time) {
	s.resolved = append(s.resolved, alert.ID)
}

func (s *sinkRecorder) EnqueueEscalation(_ *domain.Alert, _ domain.Rule, _ domain.Target, level notify.EscalationLevel, _ time.Time) int {
	s.escalated = append(s.escalated, level.Level)
	return 1
}

func testPolicy() noise.Policy {
	return noise.Policy{
		Enabled:        true,
		DedupWindow:    180 * time.Second,
		SuppressWindow: 300 * time.Second,
		FlapWindow:     30 * time.Minute,
		FlapThreshold:  4,
		AutoSilence:    time.Hour,
		SendRecovery:   true,
	}
}

func testTarget() domain.Target {
	return domain.Target{
		ID:      "checkout-api",
		Name:    "Checkout API",
		Service: "checkout",
		Enabled: true,
		Health:  domain.HealthUnknown,
		Thresholds: domain.TargetThresholds{
			ErrorRateWarn:  5,
			ErrorRateCrit:  20,
			LatencyP95Warn: 800,
			LatencyP95Crit: 2000,
		},
	}
}

func testRule(cooldownMinutes int) domain.Rule {
	return domain.Rule{
		ID:                    "high-error-rate",
		Name:                  "High error rate",
		Type:                  domain.RuleThreshold,
		Enabled:               true,
		Scope:                 domain.ScopeGlobal,
		Metric:                "errorRate",
		Operator:              ">",
		Threshold:             10,
		Aggregation:           "latest",
		WindowMinutes:         5,
		MinSamples:            1,
		CooldownMinutes:       cooldownMinutes,
		Priority:              domain.PriorityP1,
		Actions:               []string{"ops-telegram"},
		LastTriggeredByTarget: map[string]time.Time{},
	}
}

func newTestEngine(rules []domain.Rule, sink AlertSink, extra func(*Options)) (*Engine, *time.Time) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	opts := Options{
		Targets: []domain.Target{testTarget()},
		Rules:   rules,
		Store:   metricstore.New(0),
		Gates:   noise.NewController(testPolicy()),
		Queue:   notify.NewQueue(),
		Sink:    sink,
		Clock:   clock.Func(func() time.Time { return now }),
	}
	if extra != nil {
		extra(&opts)
	}
	return New(opts), &now
}

func ingestErrorRate(t *testing.T, eng *Engine, at time.Time, errorRate float64) {
	t.Helper()
	value := errorRate
	if _, err := eng.IngestSample(domain.SampleInput{
		TargetID:  "checkout-api",
		Timestamp: at.UnixMilli(),
		ErrorRate: &value,
	}); err != nil {
		t.Fatalf("IngestSample: %v", err)
	}
}

func activeAlerts(eng *Engine) []domain.Alert {
	var out []domain.Alert
	for _, alert := range eng.Alerts("") {
		if alert.Status.Active() {
			out = append(out, alert)
		}
	}
	return out
}

func TestIngestUnknownTargetRejected(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)

	ts := int64(1000)
	_, err := eng.IngestSample(domain.SampleInput{TargetID: "ghost", Timestamp: ts})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestMatchOpensSingleAlert(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, sink, nil)

	ingestErrorRate(t, eng, *now, 25)
	alerts := activeAlerts(eng)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(alerts))
	}
	if alerts[0].Status != domain.AlertOpen {
		t.Fatalf("expected open status, got %s", alerts[0].Status)
	}
	if len(sink.created) != 1 {
		t.Fatalf("expected 1 created callback, got %d", len(sink.created))
	}

	// A second match must update the existing alert, not open another.
	*now = now.Add(30 * time.Second)
	ingestErrorRate(t, eng, *now, 40)
	alerts = activeAlerts(eng)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 active alert after re-match, got %d", len(alerts))
	}
	if alerts[0].ObservedValue != 40 {
		t.Fatalf("expected observed value refresh to 40, got %v", alerts[0].ObservedValue)
	}
	if len(sink.created) != 1 {
		t.Fatalf("re-match must not create again, got %d callbacks", len(sink.created))
	}
}

func TestUnmatchedAutoResolves(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, sink, nil)

	ingestErrorRate(t, eng, *now, 25)
	*now = now.Add(time.Minute)
	ingestErrorRate(t, eng, *now, 1)

	if len(activeAlerts(eng)) != 0 {
		t.Fatal("expected no active alerts after recovery")
	}
	resolved := eng.Alerts(domain.AlertResolved)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved alert, got %d", len(resolved))
	}
	if resolved[0].ResolvedAt == nil || !resolved[0].ResolvedAt.Equal(*now) {
		t.Fatalf("expected resolvedAt %v, got %v", *now, resolved[0].ResolvedAt)
	}
	if len(sink.resolved) != 1 {
		t.Fatalf("expected 1 resolved callback, got %d", len(sink.resolved))
	}
}

func TestCooldownBlocksReopen(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(10)}, sink, nil)
	start := *now

	ingestErrorRate(t, eng, *now, 25)
	*now = start.Add(time.Minute)
	ingestErrorRate(t, eng, *now, 1)

	// Dedup and suppress windows have passed, but the 10-minute cooldown has not.
	*now = start.Add(7 * time.Minute)
	ingestErrorRate(t, eng, *now, 25)
	if len(activeAlerts(eng)) != 0 {
		t.Fatal("expected cooldown to block the reopen")
	}

	*now = start.Add(11 * time.Minute)
	ingestErrorRate(t, eng, *now, 25)
	if len(activeAlerts(eng)) != 1 {
		t.Fatal("expected reopen after cooldown elapsed")
	}
	if len(sink.created) != 2 {
		t.Fatalf("expected 2 created callbacks, got %d", len(sink.created))
	}
}

func TestDedupWindowBlocksReopen(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, sink, nil)
	start := *now

	ingestErrorRate(t, eng, *now, 25)
	*now = start.Add(10 * time.Second)
	ingestErrorRate(t, eng, *now, 1)

	// 50 seconds after the resolve is inside the 180-second dedup window.
	*now = start.Add(60 * time.Second)
	ingestErrorRate(t, eng, *now, 25)
	if len(activeAlerts(eng)) != 0 {
		t.Fatal("expected dedup window to block the reopen")
	}

	*now = start.Add(400 * time.Second)
	ingestErrorRate(t, eng, *now, 25)
	if len(activeAlerts(eng)) != 1 {
		t.Fatal("expected reopen after both noise windows elapsed")
	}
}

func TestHealthRecompute(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)

	if health := eng.Targets()[0].Health; health != domain.HealthUnknown {
		t.Fatalf("expected unknown before first sample, got %s", health)
	}

	// Active P1 alert dominates the classification.
	ingestErrorRate(t, eng, *now, 25)
	if health := eng.Targets()[0].Health; health != domain.HealthCritical {
		t.Fatalf("expected critical with active P1 alert, got %s", health)
	}

	// Recovery drops back to threshold-based classification.
	*now = now.Add(time.Minute)
	ingestErrorRate(t, eng, *now, 1)
	if health := eng.Targets()[0].Health; health != domain.HealthHealthy {
		t.Fatalf("expected healthy after recovery, got %s", health)
	}

	// Warn-level error rate degrades without matching the rule.
	*now = now.Add(time.Minute)
	ingestErrorRate(t, eng, *now, 7)
	if health := eng.Targets()[0].Health; health != domain.HealthDegraded {
		t.Fatalf("expected degraded at warn threshold, got %s", health)
	}
}

func TestAcknowledgeLifecycle(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)
	ingestErrorRate(t, eng, *now, 25)
	alertID := activeAlerts(eng)[0].ID

	if err := eng.Acknowledge(alertID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := eng.Acknowledge(alertID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double ack, got %v", err)
	}
	if err := eng.Unacknowledge(alertID); err != nil {
		t.Fatalf("Unacknowledge: %v", err)
	}
	if alert, _ := eng.Alert(alertID); alert.Status != domain.AlertOpen {
		t.Fatalf("expected open after unack, got %s", alert.Status)
	}
	if err := eng.Acknowledge("missing"); !errors.Is(err, ErrUnknownAlert) {
		t.Fatalf("expected ErrUnknownAlert, got %v", err)
	}
}

func TestCloseTerminatesAlert(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)
	ingestErrorRate(t, eng, *now, 25)
	alertID := activeAlerts(eng)[0].ID

	if err := eng.Close(alertID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(activeAlerts(eng)) != 0 {
		t.Fatal("expected no active alerts after close")
	}
	if err := eng.Close(alertID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on closed alert, got %v", err)
	}
}

func TestEscalationFirstSendAndRepeat(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, sink, func(opts *Options) {
		opts.EscalationEnabled = true
		opts.EscalationLevels = []notify.EscalationLevel{
			{Level: 1, After: 10 * time.Minute, Repeat: 5 * time.Minute, Channels: []string{"oncall"}},
		}
	})
	start := *now
	ingestErrorRate(t, eng, *now, 25)

	*now = start.Add(5 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 0 {
		t.Fatalf("expected no escalation before threshold, got %d", queued)
	}

	*now = start.Add(11 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 1 {
		t.Fatalf("expected first escalation send, got %d", queued)
	}
	alert := eng.Alerts("")[0]
	if alert.EscalationFor(1) == nil {
		t.Fatal("expected level-1 escalation mark")
	}

	// Inside the repeat window nothing fires.
	*now = start.Add(13 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 0 {
		t.Fatalf("expected no repeat inside the window, got %d", queued)
	}

	*now = start.Add(17 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 1 {
		t.Fatalf("expected repeat after cadence elapsed, got %d", queued)
	}
	if len(sink.escalated) != 2 {
		t.Fatalf("expected 2 escalation callbacks, got %d", len(sink.escalated))
	}
}

func TestEscalationCoversAcknowledged(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, sink, func(opts *Options) {
		opts.EscalationEnabled = true
		opts.EscalationLevels = []notify.EscalationLevel{
			{Level: 1, After: 10 * time.Minute},
		}
	})
	start := *now
	ingestErrorRate(t, eng, *now, 25)
	alertID := activeAlerts(eng)[0].ID
	if err := eng.Acknowledge(alertID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	// Acknowledging pauses nothing: active alerts keep escalating.
	*now = start.Add(30 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 1 {
		t.Fatalf("expected acknowledged alert to escalate, got %d", queued)
	}
	alert, err := eng.Alert(alertID)
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if alert.EscalationFor(1) == nil {
		t.Fatal("expected level-1 escalation mark on acknowledged alert")
	}

	// Resolved alerts are out of escalation scope.
	*now = start.Add(31 * time.Minute)
	ingestErrorRate(t, eng, *now, 1)
	*now = start.Add(2 * time.Hour)
	if queued := eng.ProcessEscalationTick(); queued != 0 {
		t.Fatalf("resolved alert must not escalate, got %d", queued)
	}
}

func TestEscalationRequiresPrimarySend(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, func(opts *Options) {
		opts.EscalationEnabled = true
		opts.EscalateRequiresPrimary = true
		opts.EscalationLevels = []notify.EscalationLevel{
			{Level: 1, After: 10 * time.Minute},
		}
	})
	start := *now
	ingestErrorRate(t, eng, *now, 25)

	// No trigger notification was ever allowed through, so nothing escalates.
	*now = start.Add(30 * time.Minute)
	if queued := eng.ProcessEscalationTick(); queued != 0 {
		t.Fatalf("expected no escalation without a primary send, got %d", queued)
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)

	value := 1.0
	result := eng.IngestBatch([]domain.SampleInput{
		{TargetID: "checkout-api", Timestamp: now.UnixMilli(), ErrorRate: &value},
		{TargetID: "ghost", Timestamp: now.UnixMilli(), ErrorRate: &value},
		{TargetID: "checkout-api", Timestamp: now.UnixMilli(), ErrorRate: &value},
	})
	if result.Accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", result.Accepted)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)

	value := 25.0
	sample := domain.SampleInput{TargetID: "checkout-api", Timestamp: now.UnixMilli(), ErrorRate: &value}
	// Store the sample without triggering evaluation via a disabled rule copy.
	eng.mu.Lock()
	eng.rules["high-error-rate"].Enabled = false
	eng.mu.Unlock()
	if _, err := eng.IngestSample(sample); err != nil {
		t.Fatalf("IngestSample: %v", err)
	}
	eng.mu.Lock()
	eng.rules["high-error-rate"].Enabled = true
	eng.mu.Unlock()

	result, err := eng.Preview("high-error-rate", "checkout-api")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !result.Matched {
		t.Fatal("expected preview to match")
	}
	if len(eng.Alerts("")) != 0 {
		t.Fatal("preview must not create alerts")
	}
	if _, err := eng.Preview("missing", "checkout-api"); !errors.Is(err, ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(10)}, &sinkRecorder{}, nil)
	ingestErrorRate(t, eng, *now, 25)
	snapshot := eng.Snapshot()

	if len(snapshot.Alerts) != 1 {
		t.Fatalf("expected 1 alert in snapshot, got %d", len(snapshot.Alerts))
	}
	if snapshot.RuleTriggers["high-error-rate"]["checkout-api"].IsZero() {
		t.Fatal("expected cooldown stamp in snapshot")
	}

	restored, restoredNow := newTestEngine([]domain.Rule{testRule(10)}, &sinkRecorder{}, nil)
	*restoredNow = *now
	restored.Restore(snapshot)

	alerts := activeAlerts(restored)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 active alert after restore, got %d", len(alerts))
	}
	if health := restored.Targets()[0].Health; health != domain.HealthCritical {
		t.Fatalf("expected restored health critical, got %s", health)
	}

	// The restored active alert still upholds the single-active invariant.
	*restoredNow = restoredNow.Add(30 * time.Second)
	ingestErrorRate(t, restored, *restoredNow, 30)
	if len(activeAlerts(restored)) != 1 {
		t.Fatal("expected restore to preserve the active-alert invariant")
	}
}

func TestConsumeDirty(t *testing.T) {
	t.Parallel()
	eng, now := newTestEngine([]domain.Rule{testRule(0)}, &sinkRecorder{}, nil)

	if eng.ConsumeDirty() {
		t.Fatal("fresh engine must not be dirty")
	}
	ingestErrorRate(t, eng, *now, 25)
	if !eng.ConsumeDirty() {
		t.Fatal("expected dirty after alert open")
	}
	if eng.ConsumeDirty() {
		t.Fatal("dirty flag must clear after consume")
	}
}
