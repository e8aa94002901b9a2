package types

import (
	"context"
	"time"
)

// HealthStatus values are ordered by severity; a report takes the worst of its checks.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnknown   HealthStatus = "unknown"
	StatusUnhealthy HealthStatus = "unhealthy"
)

func (s HealthStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 3
	default:
		return 2
	}
}

// Worse reports whether s is more severe than other.
func (s HealthStatus) Worse(other HealthStatus) bool {
	return s.severity() > other.severity()
}

// HealthChecker probes one engine component. It must honour ctx cancellation.
type HealthChecker func(ctx context.Context) HealthCheck

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
	Took      time.Duration          `json:"took"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is the body of the control health endpoint. Checks keeps registration order.
type HealthReport struct {
	Status  HealthStatus  `json:"status"`
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Uptime  time.Duration `json:"uptime"`
	Checks  []HealthCheck `json:"checks"`
	Counts  HealthCounts  `json:"counts"`
}

type HealthCounts struct {
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// Lookup returns the check registered under name.
func (r HealthReport) Lookup(name string) (HealthCheck, bool) {
	for _, check := range r.Checks {
		if check.Name == name {
			return check, true
		}
	}
	return HealthCheck{}, false
}
