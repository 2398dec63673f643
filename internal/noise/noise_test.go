package noise

import (
	"testing"
	"time"

	"healthwatch/internal/domain"
)

var anchor = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		Enabled:        true,
		DedupWindow:    180 * time.Second,
		SuppressWindow: 300 * time.Second,
		FlapWindow:     30 * time.Minute,
		FlapThreshold:  4,
		AutoSilence:    60 * time.Minute,
		SendRecovery:   true,
	}
}

func TestAllowOpenDedupAfterResolve(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	controller.RecordOpen("r1:t1", anchor)
	controller.RecordResolve("r1:t1", anchor.Add(time.Minute))

	if ok, reason := controller.AllowOpen("r1:t1", anchor.Add(time.Minute+100*time.Second)); ok || reason != ReasonRecentResolve {
		t.Fatalf("expected dedup block inside 180s, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := controller.AllowOpen("r1:t1", anchor.Add(400*time.Second)); !ok {
		t.Fatalf("expected open allowed after dedup and suppression windows")
	}
}

func TestAllowOpenSuppressAfterOpen(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	controller.RecordOpen("r1:t1", anchor)

	if ok, reason := controller.AllowOpen("r1:t1", anchor.Add(200*time.Second)); ok || reason != ReasonRecentOpen {
		t.Fatalf("expected suppress block inside 300s, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := controller.AllowOpen("r1:t1", anchor.Add(301*time.Second)); !ok {
		t.Fatalf("expected open allowed after suppression window")
	}
}

func TestFlapDetectorAutoSilences(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	for i := 0; i < 3; i++ {
		if tripped := controller.RecordOpen("r1:t1", anchor.Add(time.Duration(i)*6*time.Minute)); tripped {
			t.Fatalf("flap tripped after %d opens", i+1)
		}
	}
	fourth := anchor.Add(18 * time.Minute)
	if tripped := controller.RecordOpen("r1:t1", fourth); !tripped {
		t.Fatalf("expected flap detector to trip on fourth open")
	}

	if ok, reason := controller.AllowOpen("r1:t1", fourth.Add(time.Minute)); ok || reason != ReasonSilenced {
		t.Fatalf("expected silence block, got ok=%v reason=%q", ok, reason)
	}
	if ok, reason := controller.AllowTrigger("r1:t1", fourth.Add(time.Minute)); ok || reason != ReasonSilenced {
		t.Fatalf("expected silenced trigger block, got ok=%v reason=%q", ok, reason)
	}
	state, _ := controller.State("r1:t1")
	if !state.SilencedUntil.Equal(fourth.Add(60 * time.Minute)) {
		t.Fatalf("unexpected silencedUntil %v", state.SilencedUntil)
	}
}

func TestFlapWindowPrunesOldOpens(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	controller.RecordOpen("r1:t1", anchor.Add(-40*time.Minute))
	controller.RecordOpen("r1:t1", anchor.Add(-35*time.Minute))
	controller.RecordOpen("r1:t1", anchor.Add(-20*time.Minute))
	if tripped := controller.RecordOpen("r1:t1", anchor); tripped {
		t.Fatalf("opens outside the flap window must not count")
	}
	state, _ := controller.State("r1:t1")
	if len(state.OpenedAtHistory) != 2 {
		t.Fatalf("expected pruned history of 2, got %d", len(state.OpenedAtHistory))
	}
}

func TestAllowTriggerDedupsNotifications(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	controller.RecordOpen("r1:t1", anchor)
	if ok, _ := controller.AllowTrigger("r1:t1", anchor); !ok {
		t.Fatalf("expected first trigger allowed")
	}
	if ok, reason := controller.AllowTrigger("r1:t1", anchor.Add(100*time.Second)); ok || reason != ReasonRecentNotify {
		t.Fatalf("expected trigger dedup inside 180s, got ok=%v reason=%q", ok, reason)
	}
	if ok, _ := controller.AllowTrigger("r1:t1", anchor.Add(400*time.Second)); !ok {
		t.Fatalf("expected trigger allowed after dedup window")
	}
}

func TestAllowRecoveryRequiresPriorTrigger(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	if controller.AllowRecovery("r1:t1", anchor) {
		t.Fatalf("recovery without prior trigger must be blocked")
	}

	controller.RecordOpen("r1:t1", anchor)
	controller.AllowTrigger("r1:t1", anchor)
	if !controller.AllowRecovery("r1:t1", anchor.Add(time.Minute)) {
		t.Fatalf("expected recovery allowed after trigger send")
	}

	policy := testPolicy()
	policy.SendRecovery = false
	controller.SetPolicy(policy)
	if controller.AllowRecovery("r1:t1", anchor.Add(2*time.Minute)) {
		t.Fatalf("expected recovery blocked when disabled by policy")
	}
}

func TestDisabledPolicySkipsGates(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.Enabled = false
	controller := NewController(policy)
	controller.RecordOpen("r1:t1", anchor)
	controller.RecordResolve("r1:t1", anchor.Add(time.Second))

	if ok, _ := controller.AllowOpen("r1:t1", anchor.Add(2*time.Second)); !ok {
		t.Fatalf("disabled controller must allow opens")
	}
	controller.AllowTrigger("r1:t1", anchor.Add(2*time.Second))
	if ok, _ := controller.AllowTrigger("r1:t1", anchor.Add(3*time.Second)); !ok {
		t.Fatalf("disabled controller must allow back-to-back triggers")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	controller := NewController(testPolicy())
	controller.RecordOpen("r1:t1", anchor)
	controller.AllowTrigger("r1:t1", anchor)
	controller.RecordResolve("r1:t1", anchor.Add(time.Minute))

	restored := NewController(testPolicy())
	restored.Restore(controller.Snapshot())

	want, _ := controller.State("r1:t1")
	got, ok := restored.State("r1:t1")
	if !ok {
		t.Fatalf("expected restored state for fingerprint")
	}
	if !got.LastOpenedAt.Equal(want.LastOpenedAt) || !got.LastResolvedAt.Equal(want.LastResolvedAt) || !got.LastNotifiedAt.Equal(want.LastNotifiedAt) {
		t.Fatalf("restored state mismatch: got %+v want %+v", got, want)
	}
	if ok, reason := restored.AllowOpen("r1:t1", anchor.Add(2*time.Minute)); ok || reason != ReasonRecentResolve {
		t.Fatalf("restored controller must keep enforcing dedup, got ok=%v reason=%q", ok, reason)
	}

	var empty map[string]domain.NoiseState
	restored.Restore(empty)
	if _, ok := restored.State("r1:t1"); ok {
		t.Fatalf("expected state cleared after empty restore")
	}
}
