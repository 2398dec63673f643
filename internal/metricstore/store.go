package metricstore

import (
	"fmt"
	"sync"

	"healthwatch/internal/domain"
)

// DefaultCapacity caps the total number of retained samples.
const DefaultCapacity = 30000

// Store keeps a capacity-bounded, append-only log of metric samples.
// Params: per-target sample slices and a global FIFO eviction order.
// Returns: windowed sample queries for the rule evaluator.
type Store struct {
	mu       sync.RWMutex
	capacity int
	total    int
	seq      uint64
	order    []string
	byTarget map[string][]domain.MetricSample
}

// New constructs an empty store with the given capacity.
// Params: capacity cap (values <=0 fall back to DefaultCapacity).
// Returns: initialized store.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		byTarget: make(map[string][]domain.MetricSample),
	}
}

// Ingest appends one sample and evicts the globally oldest beyond capacity.
// Params: complete sample (id may be empty; the store assigns one).
// Returns: stored sample with its assigned id.
func (s *Store) Ingest(sample domain.MetricSample) domain.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if sample.ID == "" {
		sample.ID = fmt.Sprintf("smp-%d", s.seq)
	}
	s.byTarget[sample.TargetID] = append(s.byTarget[sample.TargetID], sample)
	s.order = append(s.order, sample.TargetID)
	s.total++

	for s.total > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		queue := s.byTarget[oldest]
		if len(queue) <= 1 {
			delete(s.byTarget, oldest)
		} else {
			s.byTarget[oldest] = queue[1:]
		}
		s.total--
	}
	return sample
}

// QueryWindow returns target samples with timestamp in [startMs, endMs].
// Params: target id and inclusive unix-millisecond bounds.
// Returns: matching samples in insertion order.
func (s *Store) QueryWindow(targetID string, startMs, endMs int64) []domain.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.byTarget[targetID]
	out := make([]domain.MetricSample, 0, len(queue))
	for _, sample := range queue {
		if sample.Timestamp < startMs || sample.Timestamp > endMs {
			continue
		}
		out = append(out, sample)
	}
	return out
}

// Latest returns the most recently ingested sample for one target.
// Params: target id.
// Returns: last inserted sample and existence flag.
func (s *Store) Latest(targetID string) (domain.MetricSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.byTarget[targetID]
	if len(queue) == 0 {
		return domain.MetricSample{}, false
	}
	return queue[len(queue)-1], true
}

// Len reports the total number of retained samples.
// Params: none.
// Returns: current sample count across all targets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// TargetCount reports the retained sample count for one target.
// Params: target id.
// Returns: sample count for the target.
func (s *Store) TargetCount(targetID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTarget[targetID])
}
