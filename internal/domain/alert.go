package domain

import "time"

// AlertStatus is the lifecycle state of one alert record.
// Params: open/acknowledged/resolved/closed constants.
// Returns: state transitions driven by the lifecycle manager.
type AlertStatus string

const (
	// AlertOpen indicates an unhandled active incident.
	AlertOpen AlertStatus = "open"
	// AlertAcknowledged indicates an operator has seen the incident.
	AlertAcknowledged AlertStatus = "acknowledged"
	// AlertResolved indicates the condition stopped matching.
	AlertResolved AlertStatus = "resolved"
	// AlertClosed indicates an operator closed the incident manually.
	AlertClosed AlertStatus = "closed"
)

// Active reports whether the status counts against the active-alert invariant.
// Params: none.
// Returns: true for open and acknowledged alerts.
func (s AlertStatus) Active() bool {
	return s == AlertOpen || s == AlertAcknowledged
}

// AlertEvent is one timeline entry on an alert.
// Params: event type, free-form message, and timestamp.
// Returns: append-only audit entry.
type AlertEvent struct {
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EscalationMark records the last send time for one escalation level.
// Params: level index and last dispatch time.
// Returns: repeat-window bookkeeping on the alert.
type EscalationMark struct {
	Level      int       `json:"level"`
	LastSentAt time.Time `json:"lastSentAt"`
}

// Alert is one open/closed incident for a (rule, target) pair.
// Params: identity, matched condition snapshot, and lifecycle timestamps.
// Returns: incident record owned by the lifecycle manager.
type Alert struct {
	ID                     string           `json:"id"`
	RuleID                 string           `json:"ruleId"`
	TargetID               string           `json:"targetId"`
	Level                  Priority         `json:"level"`
	Status                 AlertStatus      `json:"status"`
	Metric                 string           `json:"metric"`
	Operator               string           `json:"operator"`
	Threshold              float64          `json:"threshold"`
	ObservedValue          float64          `json:"observedValue"`
	Aggregation            string           `json:"aggregation"`
	Message                string           `json:"message,omitempty"`
	TriggeredAt            time.Time        `json:"triggeredAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
	ResolvedAt             *time.Time       `json:"resolvedAt,omitempty"`
	Events                 []AlertEvent     `json:"events"`
	Notifications          []string         `json:"notifications"`
	Escalations            []EscalationMark `json:"escalations,omitempty"`
	LastNotificationStatus string           `json:"lastNotificationStatus,omitempty"`
	LastNotificationReason string           `json:"lastNotificationReason,omitempty"`
}

// Fingerprint returns the noise/lifecycle key of the alert.
// Params: none.
// Returns: "<ruleId>:<targetId>" key.
func (a Alert) Fingerprint() string {
	return Fingerprint(a.RuleID, a.TargetID)
}

// AppendEvent adds one timeline entry to the alert.
// Params: event type, message, and timestamp.
// Returns: alert mutated in place.
func (a *Alert) AppendEvent(eventType, message string, at time.Time) {
	a.Events = append(a.Events, AlertEvent{Type: eventType, Message: message, At: at})
}

// EscalationFor finds the mark of one escalation level.
// Params: level index.
// Returns: mark pointer or nil when the level never fired.
func (a *Alert) EscalationFor(level int) *EscalationMark {
	for i := range a.Escalations {
		if a.Escalations[i].Level == level {
			return &a.Escalations[i]
		}
	}
	return nil
}
