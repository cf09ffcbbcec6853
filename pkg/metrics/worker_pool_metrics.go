package metrics

import (
	"database/sql"
)

// PoolHealth summarises a database/sql pool for readiness reporting.
type PoolHealth string

const (
	PoolHealthy   PoolHealth = "healthy"
	PoolDegraded  PoolHealth = "degraded"
	PoolUnhealthy PoolHealth = "unhealthy"
)

// DBPoolSnapshot reads pool stats and grades them. A pool whose every
// connection is busy while callers wait is degraded.
func DBPoolSnapshot(db *sql.DB) (PoolHealth, map[string]any) {
	if db == nil {
		return PoolUnhealthy, nil
	}
	s := db.Stats()
	health := PoolHealthy
	if s.MaxOpenConnections > 0 && s.InUse >= s.MaxOpenConnections && s.WaitCount > 0 {
		health = PoolDegraded
	}
	return health, map[string]any{
		"open":             s.OpenConnections,
		"in_use":           s.InUse,
		"idle":             s.Idle,
		"max_open":         s.MaxOpenConnections,
		"wait_count":       s.WaitCount,
		"wait_duration_ms": s.WaitDuration.Milliseconds(),
	}
}
