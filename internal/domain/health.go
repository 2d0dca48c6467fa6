package domain

import "time"

// HealthStatus is the rolled-up state of a dependency or the whole service.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusError:
		return 2
	case HealthStatusDegraded:
		return 1
	}
	return 0
}

// Worse returns whichever of the two statuses is more severe. An empty status
// counts as ok.
func (s HealthStatus) Worse(other HealthStatus) HealthStatus {
	if other.severity() > s.severity() || s == "" {
		if other == "" {
			return HealthStatusOK
		}
		return other
	}
	return s
}

// SystemHealthCheck is the outcome of probing one dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency checks for readiness.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// RollUp returns the most severe status among the checks, ok when empty.
func RollUp(checks map[string]SystemHealthCheck) HealthStatus {
	status := HealthStatusOK
	for _, check := range checks {
		status = status.Worse(check.Status)
	}
	return status
}
