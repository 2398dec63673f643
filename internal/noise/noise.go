package noise

import (
	"sync"
	"time"

	"healthwatch/internal/domain"
)

// Suppression reasons reported by the gates.
const (
	// ReasonRecentResolve blocks re-opens inside the dedup window.
	ReasonRecentResolve = "dedup_window"
	// ReasonRecentOpen blocks opens/notifies inside the suppression window.
	ReasonRecentOpen = "suppress_window"
	// ReasonSilenced blocks notifies while a flap silence is active.
	ReasonSilenced = "flap_silenced"
	// ReasonRecentNotify blocks notifies inside the dedup window.
	ReasonRecentNotify = "notify_dedup"
)

// Policy holds process-wide noise control settings.
// Params: gate windows, flap detection bounds, and recovery toggle.
// Returns: configuration consumed by the controller and dispatcher.
type Policy struct {
	Enabled                 bool
	DedupWindow             time.Duration
	SuppressWindow          time.Duration
	FlapWindow              time.Duration
	FlapThreshold           int
	AutoSilence             time.Duration
	SendRecovery            bool
	EscalationEnabled       bool
	EscalateRequiresPrimary bool
}

// Controller tracks per-fingerprint open/notify history for noise gates.
// Params: policy and fingerprint state map.
// Returns: open-gate, trigger-gate, and recovery-gate decisions.
type Controller struct {
	mu     sync.RWMutex
	policy Policy
	states map[string]*domain.NoiseState
}

// NewController creates an empty noise controller.
// Params: process-wide policy.
// Returns: initialized controller.
func NewController(policy Policy) *Controller {
	return &Controller{
		policy: policy,
		states: make(map[string]*domain.NoiseState),
	}
}

// SetPolicy replaces the active policy.
// Params: new policy snapshot.
// Returns: policy swapped under lock.
func (c *Controller) SetPolicy(policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

// ensureState gets or initializes state for one fingerprint.
// Params: fingerprint key; caller must hold the write lock.
// Returns: mutable state pointer.
func (c *Controller) ensureState(fingerprint string) *domain.NoiseState {
	state, ok := c.states[fingerprint]
	if !ok {
		state = &domain.NoiseState{}
		c.states[fingerprint] = state
	}
	return state
}

// AllowOpen applies the open-gate before a new alert is created.
// Params: fingerprint and current time.
// Returns: allow flag and suppression reason when blocked.
func (c *Controller) AllowOpen(fingerprint string, now time.Time) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.policy.Enabled {
		return true, ""
	}
	state, ok := c.states[fingerprint]
	if !ok {
		return true, ""
	}
	if !state.SilencedUntil.IsZero() && now.Before(state.SilencedUntil) {
		return false, ReasonSilenced
	}
	if !state.LastResolvedAt.IsZero() && now.Sub(state.LastResolvedAt) < c.policy.DedupWindow {
		return false, ReasonRecentResolve
	}
	if !state.LastOpenedAt.IsZero() && now.Sub(state.LastOpenedAt) < c.policy.SuppressWindow {
		return false, ReasonRecentOpen
	}
	return true, ""
}

// RecordOpen stamps one alert open and runs the flap detector.
// Params: fingerprint and open time.
// Returns: true when the open tripped the flap auto-silence.
func (c *Controller) RecordOpen(fingerprint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.ensureState(fingerprint)
	state.LastOpenedAt = now
	state.OpenedAtHistory = append(state.OpenedAtHistory, now)

	cutoff := now.Add(-c.policy.FlapWindow)
	pruned := state.OpenedAtHistory[:0]
	for _, openedAt := range state.OpenedAtHistory {
		if openedAt.Before(cutoff) {
			continue
		}
		pruned = append(pruned, openedAt)
	}
	state.OpenedAtHistory = pruned

	if c.policy.FlapThreshold > 0 && len(state.OpenedAtHistory) >= c.policy.FlapThreshold {
		state.SilencedUntil = now.Add(c.policy.AutoSilence)
		return true
	}
	return false
}

// RecordResolve stamps one alert resolution.
// Params: fingerprint and resolve time.
// Returns: state updated for the dedup window.
func (c *Controller) RecordResolve(fingerprint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureState(fingerprint).LastResolvedAt = now
}

// AllowTrigger applies the trigger notification gate and stamps the send.
// Params: fingerprint and current time.
// Returns: allow flag and suppression reason when blocked.
func (c *Controller) AllowTrigger(fingerprint string, now time.Time) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.ensureState(fingerprint)
	if c.policy.Enabled {
		if !state.SilencedUntil.IsZero() && now.Before(state.SilencedUntil) {
			return false, ReasonSilenced
		}
		if !state.LastNotifiedAt.IsZero() && now.Sub(state.LastNotifiedAt) < c.policy.DedupWindow {
			return false, ReasonRecentNotify
		}
		if !state.LastOpenedAt.IsZero() && !state.LastOpenedAt.Equal(now) && now.Sub(state.LastOpenedAt) < c.policy.SuppressWindow {
			return false, ReasonRecentOpen
		}
	}
	state.LastNotifiedAt = now
	return true, ""
}

// AllowRecovery applies the recovery notification gate and stamps the send.
// Params: fingerprint and current time.
// Returns: true when a trigger was previously sent and recovery is enabled.
func (c *Controller) AllowRecovery(fingerprint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.policy.SendRecovery {
		return false
	}
	state, ok := c.states[fingerprint]
	if !ok || state.LastNotifiedAt.IsZero() {
		return false
	}
	state.LastRecoveryNotifiedAt = now
	return true
}

// TriggerSent reports whether a trigger notice was ever sent for a fingerprint.
// Params: fingerprint key.
// Returns: true when lastNotifiedAt is set.
func (c *Controller) TriggerSent(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[fingerprint]
	return ok && !state.LastNotifiedAt.IsZero()
}

// State returns one fingerprint state copy.
// Params: fingerprint key.
// Returns: state copy and existence flag.
func (c *Controller) State(fingerprint string) (domain.NoiseState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[fingerprint]
	if !ok {
		return domain.NoiseState{}, false
	}
	copyState := *state
	copyState.OpenedAtHistory = append([]time.Time(nil), state.OpenedAtHistory...)
	return copyState, true
}

// Snapshot exports all fingerprint states for persistence.
// Params: none.
// Returns: detached state map.
func (c *Controller) Snapshot() map[string]domain.NoiseState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.NoiseState, len(c.states))
	for fingerprint, state := range c.states {
		copyState := *state
		copyState.OpenedAtHistory = append([]time.Time(nil), state.OpenedAtHistory...)
		out[fingerprint] = copyState
	}
	return out
}

// Restore replaces controller state from a persisted snapshot.
// Params: fingerprint state map from the persistence layer.
// Returns: controller state replaced under lock.
func (c *Controller) Restore(states map[string]domain.NoiseState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]*domain.NoiseState, len(states))
	for fingerprint, state := range states {
		copyState := state
		copyState.OpenedAtHistory = append([]time.Time(nil), state.OpenedAtHistory...)
		c.states[fingerprint] = &copyState
	}
}
