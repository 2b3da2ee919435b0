package store

import (
	"context"
	"time"
)

// HealthStatus reports store connectivity and pool statistics, surfaced
// by the HTTP layer's readiness endpoint.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    int64         `json:"response_time_ms"`
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	MaxOpenConns    int           `json:"max_open_conns"`
}

// Health pings the store and reports its connection pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
	}
	stats := s.db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
