package app

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/dispatch"
	"foreman/internal/dlq"
	"foreman/internal/errors"
	"foreman/internal/external/agents"
	"foreman/internal/lifecycle"
	"foreman/internal/ratelimit"
	"foreman/internal/supervisor"
)

// Health status tokens, worst first.
const (
	HealthOK           = "ok"
	HealthDegraded     = "degraded"
	HealthShuttingDown = "shutting_down"
)

// HealthDeps are the components the report samples. Nil fields skip their
// section.
type HealthDeps struct {
	Lifecycle  *lifecycle.Coordinator
	Dispatcher *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor
	DeadLetter *dlq.Queue
	Limiter    *ratelimit.Limiter
	Breakers   *errors.CircuitBreakerManager
	Agents     *agents.Registry
}

// HealthService assembles the getHealth payload.
type HealthService struct {
	deps    HealthDeps
	started time.Time
}

// NewHealthService starts the uptime clock at construction.
func NewHealthService(deps HealthDeps) *HealthService {
	return &HealthService{deps: deps, started: time.Now()}
}

// HealthCheck is one named probe in the report.
type HealthCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthMetrics is the numeric section of the report.
type HealthMetrics struct {
	Workers    dispatch.Stats           `json:"workers"`
	DeadLetter dlq.Stats                `json:"dead_letter"`
	RateLimit  ratelimit.Stats          `json:"rate_limit"`
	Circuits   []errors.CircuitSnapshot `json:"circuits"`
	Children   int                      `json:"children"`
}

// HealthReport is the getHealth payload.
type HealthReport struct {
	Status          string        `json:"status"`
	UptimeSeconds   float64       `json:"uptime_seconds"`
	AvailableAgents []string      `json:"available_agents"`
	Metrics         HealthMetrics `json:"metrics"`
	Checks          []HealthCheck `json:"checks"`
}

// Report samples every component. It never fails: a missing dependency
// leaves its section zeroed.
func (s *HealthService) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:        HealthOK,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}

	if s.deps.Dispatcher != nil {
		report.Metrics.Workers = s.deps.Dispatcher.Stats()
	}
	if s.deps.DeadLetter != nil {
		report.Metrics.DeadLetter = s.deps.DeadLetter.Stats()
	}
	if s.deps.Limiter != nil {
		report.Metrics.RateLimit = s.deps.Limiter.Stats()
	}
	if s.deps.Breakers != nil {
		report.Metrics.Circuits = s.deps.Breakers.Snapshots()
	}
	if s.deps.Supervisor != nil {
		report.Metrics.Children = s.deps.Supervisor.Count()
	}

	report.Checks = s.runChecks()
	for _, check := range report.Checks {
		if check.Status != HealthOK {
			report.Status = check.Status
			break
		}
	}

	if s.deps.Agents != nil {
		report.AvailableAgents = s.deps.Agents.Available()
	}
	if report.AvailableAgents == nil {
		report.AvailableAgents = []string{}
	}
	return report
}

func (s *HealthService) runChecks() []HealthCheck {
	var checks []HealthCheck

	if s.deps.Lifecycle != nil {
		check := HealthCheck{Name: "lifecycle", Status: HealthOK}
		if state := s.deps.Lifecycle.State(); state != lifecycle.StateRunning {
			check.Status = HealthShuttingDown
			check.Detail = fmt.Sprintf("state %s", state)
		}
		checks = append(checks, check)
	}

	if s.deps.Agents != nil {
		check := HealthCheck{Name: "agents", Status: HealthOK}
		if available := s.deps.Agents.Available(); len(available) == 0 {
			check.Status = HealthDegraded
			check.Detail = "no coding agents detected"
		} else {
			check.Detail = fmt.Sprintf("%d available", len(available))
		}
		checks = append(checks, check)
	}

	if s.deps.Breakers != nil {
		check := HealthCheck{Name: "circuits", Status: HealthOK}
		open := 0
		for _, snapshot := range s.deps.Breakers.Snapshots() {
			if snapshot.State == errors.StateOpen.String() {
				open++
			}
		}
		if open > 0 {
			check.Status = HealthDegraded
			check.Detail = fmt.Sprintf("%d circuit(s) open", open)
		}
		checks = append(checks, check)
	}

	if s.deps.DeadLetter != nil {
		check := HealthCheck{Name: "dead_letter", Status: HealthOK}
		stats := s.deps.DeadLetter.Stats()
		if backlog := stats.Pending + stats.Retrying; backlog > 0 {
			check.Detail = fmt.Sprintf("%d entries awaiting retry", backlog)
		}
		if stats.Abandoned > 0 {
			check.Status = HealthDegraded
			check.Detail = fmt.Sprintf("%d abandoned entries need inspection", stats.Abandoned)
		}
		checks = append(checks, check)
	}

	return checks
}
