package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// NotificationStatus is the delivery state of one notification record.
// Params: queued/sent/failed constants.
// Returns: state mutated only by the delivery worker.
type NotificationStatus string

const (
	// NotificationQueued waits for a delivery attempt.
	NotificationQueued NotificationStatus = "queued"
	// NotificationSent was delivered successfully.
	NotificationSent NotificationStatus = "sent"
	// NotificationFailed exhausted retries or hit a permanent error.
	NotificationFailed NotificationStatus = "failed"
)

// NotificationEvent classifies why a notification was produced.
// Params: trigger/recovery/escalation/test constants.
// Returns: event type carried on the record and payload.
type NotificationEvent string

const (
	// EventTrigger notifies about a newly opened alert.
	EventTrigger NotificationEvent = "trigger"
	// EventRecovery notifies about an auto-resolved alert.
	EventRecovery NotificationEvent = "recovery"
	// EventEscalation notifies an unresolved alert escalation level.
	EventEscalation NotificationEvent = "escalation"
	// EventTest is a manual channel check.
	EventTest NotificationEvent = "test"
)

// NotificationRecord is one delivery attempt unit in the queue.
// Params: alert/channel references, retry bookkeeping, and rendered payload.
// Returns: record created by the dispatcher and drained by the worker.
type NotificationRecord struct {
	ID          string             `json:"id"`
	AlertID     string             `json:"alertId"`
	RuleID      string             `json:"ruleId"`
	TargetID    string             `json:"targetId"`
	ChannelType string             `json:"channelType"`
	ChannelID   string             `json:"channelId"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"maxAttempts"`
	NextRetryAt *time.Time         `json:"nextRetryAt,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	EventType   NotificationEvent  `json:"eventType"`
	Payload     string             `json:"payload,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// BuildNotificationID creates a deterministic id for one delivery unit.
// Params: alert/channel references, event type, and creation time.
// Returns: stable SHA1-based id string.
func BuildNotificationID(alertID, channelID string, eventType NotificationEvent, createdAt time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%d", alertID, channelID, eventType, createdAt.UnixNano())
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NoiseState tracks per-fingerprint open/notify history for noise gates.
// Params: lifecycle timestamps and pruned open history.
// Returns: state mutated by the lifecycle manager and the dispatcher.
type NoiseState struct {
	LastOpenedAt           time.Time   `json:"lastOpenedAt,omitempty"`
	LastResolvedAt         time.Time   `json:"lastResolvedAt,omitempty"`
	OpenedAtHistory        []time.Time `json:"openedAtHistory,omitempty"`
	LastNotifiedAt         time.Time   `json:"lastNotifiedAt,omitempty"`
	LastRecoveryNotifiedAt time.Time   `json:"lastRecoveryNotifiedAt,omitempty"`
	SilencedUntil          time.Time   `json:"silencedUntil,omitempty"`
}
