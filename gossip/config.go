package gossip

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCapacity indicates a non-positive per-peer message capacity.
	ErrInvalidCapacity = errors.New("seen capacity must be positive")
	// ErrInvalidTimeout indicates a non-positive age or timeout.
	ErrInvalidTimeout = errors.New("timeouts must be positive")
	// ErrInvalidFalsePositiveRate indicates a rate outside (0, 1).
	ErrInvalidFalsePositiveRate = errors.New("false positive rate must be in (0, 1)")
)

// Config tunes the gossip sync engine.
type Config struct {
	// SeenCapacity bounds the messages remembered per peer. The oldest
	// entry is evicted first.
	SeenCapacity int

	// MaxMessageAge rejects messages whose timestamp is older than this
	// and expires remembered ones during maintenance.
	MaxMessageAge time.Duration

	// MaintenanceInterval is how often the background loop runs
	// PerformMaintenance.
	MaintenanceInterval time.Duration

	// StalePeerCleanupInterval is the minimum spacing between stale peer
	// sweeps. Zero sweeps on every maintenance pass.
	StalePeerCleanupInterval time.Duration

	// StalePeerTimeout is how long a peer may stay silent before its
	// announcement and messages are purged.
	StalePeerTimeout time.Duration

	// SyncInterval is the period of broadcast sync requests. Zero disables
	// them.
	SyncInterval time.Duration

	// SyncBurst and MinSyncSpacing configure the token bucket that paces
	// broadcast sync requests, including those triggered by TriggerSync.
	SyncBurst      int
	MinSyncSpacing time.Duration

	// FilterFalsePositiveRate is the target rate of the sync request
	// filter. FilterMaxBytes caps its size on the wire.
	FilterFalsePositiveRate float64
	FilterMaxBytes          int
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		SeenCapacity:             1000,
		MaxMessageAge:            15 * time.Minute,
		MaintenanceInterval:      30 * time.Second,
		StalePeerCleanupInterval: time.Minute,
		StalePeerTimeout:         time.Minute,
		SyncInterval:             30 * time.Second,
		SyncBurst:                3,
		MinSyncSpacing:           5 * time.Second,
		FilterFalsePositiveRate:  0.01,
		FilterMaxBytes:           512,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.SeenCapacity <= 0 {
		return ErrInvalidCapacity
	}
	if c.MaxMessageAge <= 0 || c.StalePeerTimeout <= 0 || c.MaintenanceInterval <= 0 {
		return ErrInvalidTimeout
	}
	if c.StalePeerCleanupInterval < 0 || c.SyncInterval < 0 || c.MinSyncSpacing < 0 {
		return ErrInvalidTimeout
	}
	if c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		return ErrInvalidFalsePositiveRate
	}
	return nil
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = d.SeenCapacity
	}
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = d.MaxMessageAge
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.StalePeerTimeout <= 0 {
		c.StalePeerTimeout = d.StalePeerTimeout
	}
	if c.SyncBurst <= 0 {
		c.SyncBurst = d.SyncBurst
	}
	if c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		c.FilterFalsePositiveRate = d.FilterFalsePositiveRate
	}
	if c.FilterMaxBytes < 8 {
		c.FilterMaxBytes = d.FilterMaxBytes
	}
	return c
}
