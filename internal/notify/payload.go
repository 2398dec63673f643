package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"healthwatch/internal/domain"
)

// Payload is the self-contained body of one outbound notification.
// Params: alert snapshot fields plus the rendered message.
// Returns: JSON document stored on the queue record and sent by channels.
type Payload struct {
	Event           domain.NotificationEvent `json:"event"`
	AlertID         string                   `json:"alertId"`
	RuleID          string                   `json:"ruleId"`
	RuleName        string                   `json:"ruleName"`
	TargetID        string                   `json:"targetId"`
	TargetName      string                   `json:"targetName"`
	Level           domain.Priority          `json:"level"`
	Status          domain.AlertStatus       `json:"status"`
	Metric          string                   `json:"metric,omitempty"`
	Operator        string                   `json:"operator,omitempty"`
	Threshold       float64                  `json:"threshold,omitempty"`
	ObservedValue   float64                  `json:"observedValue,omitempty"`
	Message         string                   `json:"message"`
	TriggeredAt     time.Time                `json:"triggeredAt"`
	EscalationLevel int                      `json:"escalationLevel,omitempty"`
}

// buildPayload assembles one notification payload from an alert snapshot.
// Params: event type, alert, rule, and target.
// Returns: payload without a rendered message.
func buildPayload(event domain.NotificationEvent, alert domain.Alert, rule domain.Rule, target domain.Target) Payload {
	return Payload{
		Event:         event,
		AlertID:       alert.ID,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		TargetID:      target.ID,
		TargetName:    target.Name,
		Level:         alert.Level,
		Status:        alert.Status,
		Metric:        alert.Metric,
		Operator:      alert.Operator,
		Threshold:     alert.Threshold,
		ObservedValue: alert.ObservedValue,
		TriggeredAt:   alert.TriggeredAt,
	}
}

// defaultMessage renders the built-in plain-text message for one payload.
// Params: payload without a message.
// Returns: single-line human-readable summary.
func defaultMessage(payload Payload) string {
	switch payload.Event {
	case domain.EventRecovery:
		return fmt.Sprintf("[%s] RESOLVED %s on %s", payload.Level, payload.RuleName, payload.TargetName)
	case domain.EventEscalation:
		return fmt.Sprintf("[%s] ESCALATION L%d %s on %s still unresolved", payload.Level, payload.EscalationLevel, payload.RuleName, payload.TargetName)
	case domain.EventTest:
		return fmt.Sprintf("healthwatch test notification at %s", payload.TriggeredAt.UTC().Format(time.RFC3339))
	default:
		if payload.Metric != "" {
			return fmt.Sprintf("[%s] %s on %s: %s=%.2f %s %.2f",
				payload.Level, payload.RuleName, payload.TargetName,
				payload.Metric, payload.ObservedValue, payload.Operator, payload.Threshold)
		}
		return fmt.Sprintf("[%s] %s on %s", payload.Level, payload.RuleName, payload.TargetName)
	}
}

// renderMessage fills the payload message via template or built-in format.
// Params: optional compiled channel template and payload.
// Returns: payload copy with message set, or render error.
func renderMessage(tmpl *template.Template, payload Payload) (Payload, error) {
	if tmpl == nil {
		payload.Message = defaultMessage(payload)
		return payload, nil
	}
	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, payload); err != nil {
		return Payload{}, fmt.Errorf("render notification template: %w", err)
	}
	payload.Message = rendered.String()
	return payload, nil
}

// encodePayload serializes one payload for queue storage.
// Params: complete payload with message.
// Returns: JSON string or marshal error.
func encodePayload(payload Payload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode notification payload: %w", err)
	}
	return string(body), nil
}

// decodePayload deserializes a stored queue payload.
// Params: JSON string from one notification record.
// Returns: payload or decode error.
func decodePayload(raw string) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, fmt.Errorf("decode notification payload: %w", err)
	}
	return payload, nil
}
