package health_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/health"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

func newMonitor(t *testing.T) (health.Monitor, *sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	m := health.New(repo.Repo{DB: conn}, audit.Writer{DB: conn}, cfg)
	m.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := (repo.Repo{DB: conn}).EnsureAgentState(ctx, m.Now()); err != nil {
		t.Fatalf("seed agent state: %v", err)
	}
	return m, conn, ctx
}

func setAgentState(t *testing.T, conn *sql.DB, mutate func(*domain.AgentStatus)) {
	t.Helper()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	status, err := r.GetAgentStatus(ctx)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	mutate(&status)
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateAgentStatus(ctx, tx, status); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestIdleAgentIsHealthy(t *testing.T) {
	m, _, ctx := newMonitor(t)
	rep, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !rep.Healthy || len(rep.Reasons) != 0 {
		t.Fatalf("idle agent must be healthy: %+v", rep)
	}
}

func TestErrorStateIsUnhealthy(t *testing.T) {
	m, conn, ctx := newMonitor(t)
	setAgentState(t, conn, func(s *domain.AgentStatus) {
		s.State = domain.AgentError
		s.ErrorMessage = "provider unreachable"
	})
	rep, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Healthy || len(rep.Reasons) == 0 {
		t.Fatalf("error state must be unhealthy: %+v", rep)
	}
}

func TestStaleHeartbeatOnlyMattersWhileRunning(t *testing.T) {
	m, conn, ctx := newMonitor(t)
	stale := m.Now().Add(-2 * m.Config.Runner.HeartbeatStaleness).UTC().Format(time.RFC3339)

	// stale heartbeat while idle is fine
	setAgentState(t, conn, func(s *domain.AgentStatus) { s.LastHeartbeat = &stale })
	rep, _ := m.Check(ctx)
	if !rep.Healthy {
		t.Fatalf("idle agent with old heartbeat must stay healthy: %+v", rep)
	}

	setAgentState(t, conn, func(s *domain.AgentStatus) { s.State = domain.AgentDiscovering })
	rep, _ = m.Check(ctx)
	if rep.Healthy || !rep.HeartbeatStale {
		t.Fatalf("stale heartbeat during a run must be unhealthy: %+v", rep)
	}

	fresh := m.Now().UTC().Format(time.RFC3339)
	setAgentState(t, conn, func(s *domain.AgentStatus) { s.LastHeartbeat = &fresh })
	rep, _ = m.Check(ctx)
	if !rep.Healthy {
		t.Fatalf("fresh heartbeat must be healthy: %+v", rep)
	}
}

func TestErrorVolumeCeiling(t *testing.T) {
	m, conn, ctx := newMonitor(t)
	m.Config.Health.DailyErrorCeiling = 2
	w := audit.Writer{DB: conn, Now: m.Now}
	for i := 0; i < 3; i++ {
		if err := w.AppendDirect(ctx, audit.EntitySystem, "agent", "runner", "discovery", audit.ResultError, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rep, err := m.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if rep.Healthy || rep.ErrorsLastDay != 3 {
		t.Fatalf("expected unhealthy with 3 errors: %+v", rep)
	}
}
