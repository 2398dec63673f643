package state

import "sync"

// MemoryStore keeps the snapshot in process memory only.
// Params: none.
// Returns: non-durable store for tests and memory backend mode.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot Snapshot
	present  bool
	saves    int
}

// NewMemoryStore creates an empty in-memory snapshot store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the last saved snapshot.
// Params: none.
// Returns: snapshot, presence flag, and nil error.
func (s *MemoryStore) Load() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.present, nil
}

// Save replaces the held snapshot.
// Params: snapshot to keep.
// Returns: nil.
func (s *MemoryStore) Save(snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.present = true
	s.saves++
	return nil
}

// SaveCount reports how many saves happened.
// Params: none.
// Returns: save counter for tests.
func (s *MemoryStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close is a no-op for the memory backend.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
