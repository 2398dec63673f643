package state

import (
	"time"

	"healthwatch/internal/domain"
)

// Snapshot is the durable subset of engine state.
// Params: alerts, pending deliveries, noise history, cooldowns, and health.
// Returns: JSON-serializable snapshot written by the persistence layer.
type Snapshot struct {
	SavedAt      time.Time                       `json:"savedAt"`
	Alerts       []domain.Alert                  `json:"alerts"`
	Queue        []domain.NotificationRecord     `json:"queue"`
	Noise        map[string]domain.NoiseState    `json:"noise"`
	RuleTriggers map[string]map[string]time.Time `json:"ruleTriggers"`
	TargetHealth map[string]domain.HealthStatus  `json:"targetHealth"`
}

// Store persists engine snapshots across restarts.
// Params: snapshot payloads from the engine.
// Returns: load/save operations backed by file or memory.
type Store interface {
	// Load reads the last saved snapshot.
	// Params: none.
	// Returns: snapshot, presence flag, and read error.
	Load() (Snapshot, bool, error)

	// Save writes one snapshot, replacing the previous one.
	// Params: snapshot to persist.
	// Returns: write error.
	Save(Snapshot) error

	// Close releases backend resources.
	// Params: none.
	// Returns: close error.
	Close() error
}
