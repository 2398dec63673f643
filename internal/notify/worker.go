package notify

import (
	"context"
	"log/slog"
	"time"

	"healthwatch/internal/domain"
	"healthwatch/internal/permanent"
)

// TickStats summarizes one delivery pass.
// Params: outcome counters.
// Returns: numbers reported to the service loop log.
type TickStats struct {
	Sent    int
	Retried int
	Failed  int
}

// Worker drains due notification records and applies retry backoff.
// Params: queue, channel senders, and per-attempt delays.
// Returns: delivery pass driver owning record status transitions.
type Worker struct {
	queue   *Queue
	senders map[string]ChannelSender
	delays  []time.Duration
	logger  *slog.Logger
}

// NewWorker creates the delivery worker.
// Params: queue, sender map shared with the dispatcher, backoff delays, and logger.
// Returns: initialized worker.
func NewWorker(queue *Queue, senders map[string]ChannelSender, delays []time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		queue:   queue,
		senders: senders,
		delays:  delays,
		logger:  logger,
	}
}

// ProcessTick attempts delivery for every due record in one batch.
// Params: context, reference time, and batch limit (0 for unlimited).
// Returns: outcome counters for the pass.
func (w *Worker) ProcessTick(ctx context.Context, now time.Time, limit int) TickStats {
	var stats TickStats
	for _, record := range w.queue.Due(now, limit) {
		updated, outcome := w.attempt(ctx, record, now)
		w.queue.Update(updated)
		switch outcome {
		case domain.NotificationSent:
			stats.Sent++
		case domain.NotificationFailed:
			stats.Failed++
		default:
			stats.Retried++
		}
		if ctx.Err() != nil {
			break
		}
	}
	return stats
}

// attempt runs one delivery attempt and computes the next record state.
// Params: context, due record copy, and reference time.
// Returns: updated record and resulting status.
func (w *Worker) attempt(ctx context.Context, record domain.NotificationRecord, now time.Time) (domain.NotificationRecord, domain.NotificationStatus) {
	record.Attempts++

	sender, ok := w.senders[record.ChannelID]
	if !ok {
		return w.fail(record, "channel is not configured"), domain.NotificationFailed
	}
	payload, err := decodePayload(record.Payload)
	if err != nil {
		return w.fail(record, err.Error()), domain.NotificationFailed
	}

	if err := sender.Send(ctx, payload); err != nil {
		record.LastError = err.Error()
		if permanent.Is(err) || record.Attempts >= record.MaxAttempts {
			return w.fail(record, err.Error()), domain.NotificationFailed
		}
		delay := w.delayFor(record.Attempts)
		retryAt := now.Add(delay)
		record.NextRetryAt = &retryAt
		if w.logger != nil {
			w.logger.Warn("notification delivery failed",
				"record", record.ID, "channel", record.ChannelID,
				"attempt", record.Attempts, "retryIn", delay.String(), "error", err.Error())
		}
		return record, domain.NotificationQueued
	}

	record.Status = domain.NotificationSent
	record.NextRetryAt = nil
	record.LastError = ""
	if w.logger != nil {
		w.logger.Info("notification delivered",
			"record", record.ID, "channel", record.ChannelID,
			"event", string(record.EventType), "attempts", record.Attempts)
	}
	return record, domain.NotificationSent
}

// fail marks one record as terminally failed.
// Params: record copy and failure reason.
// Returns: failed record with retry scheduling cleared.
func (w *Worker) fail(record domain.NotificationRecord, reason string) domain.NotificationRecord {
	record.Status = domain.NotificationFailed
	record.NextRetryAt = nil
	record.LastError = reason
	if w.logger != nil {
		w.logger.Error("notification delivery exhausted",
			"record", record.ID, "channel", record.ChannelID,
			"attempts", record.Attempts, "error", reason)
	}
	return record
}

// delayFor selects the backoff delay after one failed attempt.
// Params: attempt count after the failure.
// Returns: delay from the configured ladder, clamped to the last entry.
func (w *Worker) delayFor(attempts int) time.Duration {
	if len(w.delays) == 0 {
		return time.Minute
	}
	idx := attempts - 1
	if idx >= len(w.delays) {
		idx = len(w.delays) - 1
	}
	return w.delays[idx]
}
