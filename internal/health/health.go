// Package health derives a health verdict from persisted agent state and
// the audit trail. It never mutates anything.
package health

import (
	"context"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// Report is the full health snapshot served to operators.
type Report struct {
	Healthy        bool     `json:"healthy"`
	State          string   `json:"state"`
	Reasons        []string `json:"reasons,omitempty"`
	LastHeartbeat  *string  `json:"last_heartbeat,omitempty" format:"date-time"`
	HeartbeatStale bool     `json:"heartbeat_stale"`
	ErrorsLastDay  int      `json:"errors_last_day"`
}

type Monitor struct {
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, a audit.Writer, cfg *config.Config) Monitor {
	return Monitor{Repo: r, Audit: a, Config: cfg, Now: time.Now}
}

// Check evaluates the three health conditions: error state, stale heartbeat
// while a task should be running, and the daily audit error ceiling.
func (m Monitor) Check(ctx context.Context) (Report, error) {
	now := m.Now()
	status, err := m.Repo.GetAgentStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Healthy: true, State: status.State, LastHeartbeat: status.LastHeartbeat}

	if status.State == domain.AgentError {
		rep.Healthy = false
		reason := "agent is in error state"
		if status.ErrorMessage != "" {
			reason += ": " + status.ErrorMessage
		}
		rep.Reasons = append(rep.Reasons, reason)
	}

	if status.State == domain.AgentDiscovering || status.State == domain.AgentOutreachRunning {
		stale := status.LastHeartbeat == nil
		if !stale {
			beat, perr := time.Parse(time.RFC3339, *status.LastHeartbeat)
			stale = perr != nil || now.Sub(beat) > m.Config.Runner.HeartbeatStaleness
		}
		if stale {
			rep.Healthy = false
			rep.HeartbeatStale = true
			rep.Reasons = append(rep.Reasons, "heartbeat is stale while a task is running")
		}
	}

	errCount, err := m.Audit.CountErrorsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return Report{}, err
	}
	rep.ErrorsLastDay = errCount
	if errCount > m.Config.Health.DailyErrorCeiling {
		rep.Healthy = false
		rep.Reasons = append(rep.Reasons, "audit error volume over the last day exceeds the ceiling")
	}
	return rep, nil
}
