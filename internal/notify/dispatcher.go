package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/domain"
	"healthwatch/internal/noise"
	"healthwatch/internal/templatefmt"
)

// Notification outcomes recorded on alerts.
const (
	// OutcomeQueued marks notifications handed to the delivery queue.
	OutcomeQueued = "queued"
	// OutcomeSuppressed marks notifications blocked by a noise gate.
	OutcomeSuppressed = "suppressed"
	// OutcomeSkipped marks recovery notifications without a prior trigger send.
	OutcomeSkipped = "skipped"
)

// EscalationLevel is one runtime escalation step.
// Params: level number, age threshold, repeat cadence, and channel ids.
// Returns: escalation step consumed by the lifecycle manager.
type EscalationLevel struct {
	Level    int
	After    time.Duration
	Repeat   time.Duration
	Channels []string
}

// EscalationLevelsFromConfig converts configured escalation steps.
// Params: escalation configs sorted ascending by after_minutes.
// Returns: runtime escalation levels.
func EscalationLevelsFromConfig(levels []config.EscalationLevelConfig) []EscalationLevel {
	out := make([]EscalationLevel, 0, len(levels))
	for _, level := range levels {
		out = append(out, EscalationLevel{
			Level:    level.Level,
			After:    time.Duration(level.AfterMinutes) * time.Minute,
			Repeat:   time.Duration(level.RepeatMinutes) * time.Minute,
			Channels: append([]string(nil), level.Channels...),
		})
	}
	return out
}

// Dispatcher turns alert lifecycle changes into queued notifications.
// Params: channel senders, templates, delivery queue, and noise gates.
// Returns: sink invoked by the lifecycle manager under its lock.
type Dispatcher struct {
	senders        map[string]ChannelSender
	channelsByType map[string][]string
	templates      map[string]*template.Template
	queue          *Queue
	gates          *noise.Controller
	maxAttempts    int
	logger         *slog.Logger
}

// NewDispatcher builds the dispatcher from enabled channel configs.
// Params: notify config, delivery queue, noise controller, and logger.
// Returns: configured dispatcher.
func NewDispatcher(cfg config.NotifyConfig, queue *Queue, gates *noise.Controller, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	channelsByType := make(map[string][]string)
	templates := make(map[string]*template.Template)
	for _, channel := range cfg.Channel {
		if !channel.Enabled {
			continue
		}
		sender := newSender(channel, cfg.Mode, cfg.MockFailureRate)
		if sender == nil {
			continue
		}
		senders[channel.ID] = sender
		channelsByType[channel.Type] = append(channelsByType[channel.Type], channel.ID)
		if strings.TrimSpace(channel.Template) != "" {
			compiled, err := templatefmt.ParseNotificationTemplate(channel.ID, channel.Template)
			if err == nil {
				templates[channel.ID] = compiled
			} else if logger != nil {
				logger.Warn("channel template ignored", "channel", channel.ID, "error", err.Error())
			}
		}
	}
	for channelType := range channelsByType {
		sort.Strings(channelsByType[channelType])
	}
	return &Dispatcher{
		senders:        senders,
		channelsByType: channelsByType,
		templates:      templates,
		queue:          queue,
		gates:          gates,
		maxAttempts:    cfg.MaxAttempts,
		logger:         logger,
	}
}

// Senders exposes enabled channel senders by id.
// Params: none.
// Returns: sender map shared with the delivery worker.
func (d *Dispatcher) Senders() map[string]ChannelSender {
	return d.senders
}

// AlertCreated queues trigger notifications for a newly opened alert.
// Params: mutable alert, owning rule, target, and current time.
// Returns: alert notification status fields updated in place.
func (d *Dispatcher) AlertCreated(alert *domain.Alert, rule domain.Rule, target domain.Target, now time.Time) {
	allowed, reason := d.gates.AllowTrigger(alert.Fingerprint(), now)
	if !allowed {
		alert.LastNotificationStatus = OutcomeSuppressed
		alert.LastNotificationReason = reason
		alert.AppendEvent("notification_suppressed", reason, now)
		if d.logger != nil {
			d.logger.Info("trigger notification suppressed", "alert", alert.ID, "reason", reason)
		}
		return
	}
	d.enqueueForAlert(alert, rule, target, domain.EventTrigger, 0, now)
}

// AlertResolved queues recovery notifications for an auto-resolved alert.
// Params: mutable alert, owning rule, target, and current time.
// Returns: alert notification status fields updated in place.
func (d *Dispatcher) AlertResolved(alert *domain.Alert, rule domain.Rule, target domain.Target, now time.Time) {
	if !d.gates.AllowRecovery(alert.Fingerprint(), now) {
		alert.LastNotificationStatus = OutcomeSkipped
		alert.LastNotificationReason = "no prior trigger notification"
		return
	}
	d.enqueueForAlert(alert, rule, target, domain.EventRecovery, 0, now)
}

// EnqueueEscalation queues escalation notifications for one level.
// Params: mutable alert, owning rule, target, level, and current time.
// Returns: number of queued records.
func (d *Dispatcher) EnqueueEscalation(alert *domain.Alert, rule domain.Rule, target domain.Target, level EscalationLevel, now time.Time) int {
	payload := buildPayload(domain.EventEscalation, *alert, rule, target)
	payload.EscalationLevel = level.Level
	return d.enqueuePayload(alert, payload, level.Channels, now)
}

// SendTest queues one test notification to a single channel.
// Params: channel id and current time.
// Returns: record id or error for unknown channels.
func (d *Dispatcher) SendTest(channelID string, now time.Time) (string, error) {
	sender, ok := d.senders[channelID]
	if !ok {
		return "", fmt.Errorf("notify channel %q is not configured", channelID)
	}
	payload := Payload{
		Event:       domain.EventTest,
		TriggeredAt: now,
	}
	rendered, err := renderMessage(d.templates[channelID], payload)
	if err != nil {
		return "", err
	}
	record, err := d.buildRecord(domain.Alert{}, rendered, sender, now)
	if err != nil {
		return "", err
	}
	d.queue.Enqueue(record)
	return record.ID, nil
}

// enqueueForAlert resolves rule channels and queues one payload per channel.
// Params: mutable alert, rule, target, event type, escalation level, and time.
// Returns: alert notification bookkeeping updated in place.
func (d *Dispatcher) enqueueForAlert(alert *domain.Alert, rule domain.Rule, target domain.Target, event domain.NotificationEvent, escalationLevel int, now time.Time) {
	payload := buildPayload(event, *alert, rule, target)
	payload.EscalationLevel = escalationLevel
	queued := d.enqueuePayload(alert, payload, rule.Actions, now)
	if queued > 0 {
		alert.LastNotificationStatus = OutcomeQueued
		alert.LastNotificationReason = ""
	}
}

// enqueuePayload renders and queues one payload for each resolved channel.
// Params: mutable alert, payload, action list, and current time.
// Returns: number of queued records.
func (d *Dispatcher) enqueuePayload(alert *domain.Alert, payload Payload, actions []string, now time.Time) int {
	channels, unknown := d.resolveChannels(actions)
	for _, action := range unknown {
		record := d.failedRecord(*alert, payload, action, now)
		d.queue.Enqueue(record)
		alert.Notifications = append(alert.Notifications, record.ID)
		if d.logger != nil {
			d.logger.Warn("notification channel unknown", "alert", alert.ID, "channel", action)
		}
	}

	queued := 0
	for _, sender := range channels {
		rendered, err := renderMessage(d.templates[sender.ID()], payload)
		if err != nil {
			rendered = payload
			rendered.Message = defaultMessage(payload)
			if d.logger != nil {
				d.logger.Warn("notification template render failed", "alert", alert.ID, "channel", sender.ID(), "error", err.Error())
			}
		}
		record, err := d.buildRecord(*alert, rendered, sender, now)
		if err != nil {
			if d.logger != nil {
				d.logger.Error("notification encode failed", "alert", alert.ID, "channel", sender.ID(), "error", err.Error())
			}
			continue
		}
		if d.queue.Enqueue(record) {
			alert.Notifications = append(alert.Notifications, record.ID)
			queued++
		}
	}
	return queued
}

// resolveChannels maps rule actions to enabled senders.
// Params: action list of channel ids or transport type names.
// Returns: deduplicated sender list and unresolved action names.
func (d *Dispatcher) resolveChannels(actions []string) ([]ChannelSender, []string) {
	seen := make(map[string]struct{})
	resolved := make([]ChannelSender, 0, len(actions))
	var unknown []string
	for _, action := range actions {
		if sender, ok := d.senders[action]; ok {
			if _, dup := seen[action]; !dup {
				seen[action] = struct{}{}
				resolved = append(resolved, sender)
			}
			continue
		}
		if ids, ok := d.channelsByType[action]; ok {
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				resolved = append(resolved, d.senders[id])
			}
			continue
		}
		unknown = append(unknown, action)
	}
	return resolved, unknown
}

// buildRecord assembles one queued notification record.
// Params: alert snapshot, rendered payload, destination sender, and time.
// Returns: record ready for the delivery queue or encode error.
func (d *Dispatcher) buildRecord(alert domain.Alert, payload Payload, sender ChannelSender, now time.Time) (domain.NotificationRecord, error) {
	encoded, err := encodePayload(payload)
	if err != nil {
		return domain.NotificationRecord{}, err
	}
	return domain.NotificationRecord{
		ID:          domain.BuildNotificationID(alert.ID, sender.ID(), payload.Event, now),
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		TargetID:    alert.TargetID,
		ChannelType: sender.Type(),
		ChannelID:   sender.ID(),
		Status:      domain.NotificationQueued,
		MaxAttempts: d.maxAttempts,
		EventType:   payload.Event,
		Payload:     encoded,
		CreatedAt:   now,
	}, nil
}

// failedRecord assembles an immediately-failed record for an unknown channel.
// Params: alert snapshot, payload, unresolved action name, and time.
// Returns: failed record kept for inspection.
func (d *Dispatcher) failedRecord(alert domain.Alert, payload Payload, action string, now time.Time) domain.NotificationRecord {
	encoded, _ := encodePayload(payload)
	return domain.NotificationRecord{
		ID:          domain.BuildNotificationID(alert.ID, action, payload.Event, now),
		AlertID:     alert.ID,
		RuleID:      alert.RuleID,
		TargetID:    alert.TargetID,
		ChannelID:   action,
		Status:      domain.NotificationFailed,
		MaxAttempts: d.maxAttempts,
		LastError:   fmt.Sprintf("channel %q is not configured", action),
		EventType:   payload.Event,
		Payload:     encoded,
		CreatedAt:   now,
	}
}
