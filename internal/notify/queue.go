package notify

import (
	"sync"
	"time"

	"healthwatch/internal/domain"
)

// Queue is the in-memory delivery queue drained by the worker.
// Params: notification records in enqueue order.
// Returns: thread-safe queue with its own lock.
type Queue struct {
	mu      sync.RWMutex
	records []domain.NotificationRecord
	index   map[string]int
}

// NewQueue creates an empty delivery queue.
// Params: none.
// Returns: initialized queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]int)}
}

// Enqueue appends one record to the queue.
// Params: notification record; duplicate ids are ignored.
// Returns: true when the record was added.
func (q *Queue) Enqueue(record domain.NotificationRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.index[record.ID]; dup {
		return false
	}
	q.index[record.ID] = len(q.records)
	q.records = append(q.records, record)
	return true
}

// Due returns copies of queued records ready for a delivery attempt.
// Params: reference time and batch limit (0 for unlimited).
// Returns: records with status queued and nextRetryAt unset or elapsed.
func (q *Queue) Due(now time.Time, limit int) []domain.NotificationRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]domain.NotificationRecord, 0, limit)
	for _, record := range q.records {
		if record.Status != domain.NotificationQueued {
			continue
		}
		if record.NextRetryAt != nil && record.NextRetryAt.After(now) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Update replaces one record by id.
// Params: record with retry/status mutations applied.
// Returns: true when the id was present.
func (q *Queue) Update(record domain.NotificationRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pos, ok := q.index[record.ID]
	if !ok {
		return false
	}
	q.records[pos] = record
	return true
}

// Get returns one record copy by id.
// Params: record id.
// Returns: record copy and presence flag.
func (q *Queue) Get(id string) (domain.NotificationRecord, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	pos, ok := q.index[id]
	if !ok {
		return domain.NotificationRecord{}, false
	}
	return q.records[pos], true
}

// PendingCount counts records still waiting for delivery.
// Params: none.
// Returns: number of queued records.
func (q *Queue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	count := 0
	for _, record := range q.records {
		if record.Status == domain.NotificationQueued {
			count++
		}
	}
	return count
}

// Snapshot exports all records for persistence and inspection.
// Params: none.
// Returns: detached record slice in enqueue order.
func (q *Queue) Snapshot() []domain.NotificationRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]domain.NotificationRecord(nil), q.records...)
}

// Restore replaces queue contents from a persisted snapshot.
// Params: record slice from the persistence layer.
// Returns: queue contents replaced under lock.
func (q *Queue) Restore(records []domain.NotificationRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append([]domain.NotificationRecord(nil), records...)
	q.index = make(map[string]int, len(records))
	for pos, record := range q.records {
		q.index[record.ID] = pos
	}
}
