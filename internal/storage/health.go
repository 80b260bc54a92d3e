package storage

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports basic DB connectivity and pool statistics for the
// /health endpoint.
type HealthStatus struct {
	Connected   bool  `json:"connected"`
	OpenConns   int   `json:"open_conns"`
	InUseConns  int   `json:"in_use_conns"`
	IdleConns   int   `json:"idle_conns"`
	PingMicros  int64 `json:"ping_micros"`
}

// Health pings the database and reports pool statistics.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	elapsed := time.Since(start)

	stats := db.Stats()
	status := HealthStatus{
		Connected:  err == nil,
		OpenConns:  stats.OpenConnections,
		InUseConns: stats.InUse,
		IdleConns:  stats.Idle,
		PingMicros: elapsed.Microseconds(),
	}
	if err != nil {
		return status, err
	}
	return status, nil
}
