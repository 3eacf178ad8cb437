package controller_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"leadline/internal/config"
	"leadline/internal/controller"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

func newController(t *testing.T) (*controller.Controller, *sql.DB, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Runner.ItemTimeout = 0
	ctrl := controller.New(conn, cfg)
	ctrl.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	return ctrl, conn, context.Background()
}

// scriptedTask hands control of each work item to the test. Every Next
// signals started and then blocks until released or cancelled.
type scriptedTask struct {
	started chan struct{}
	release chan struct{}
	finish  bool
	err     error
}

func newScriptedTask() *scriptedTask {
	return &scriptedTask{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *scriptedTask) Name() string { return "discovery" }

func (s *scriptedTask) Next(ctx context.Context) (bool, error) {
	s.started <- struct{}{}
	select {
	case <-s.release:
		return s.finish, s.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func waitStarted(t *testing.T, task *scriptedTask) {
	t.Helper()
	select {
	case <-task.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never started an item")
	}
}

func assertNotStarted(t *testing.T, task *scriptedTask) {
	t.Helper()
	select {
	case <-task.started:
		t.Fatalf("runner picked up an item while paused")
	case <-time.After(150 * time.Millisecond):
	}
}

func lastControlEntry(t *testing.T, conn *sql.DB) domain.ControlLogEntry {
	t.Helper()
	entries, err := (repo.Repo{DB: conn}).ListControlLog(context.Background(), 1)
	if err != nil || len(entries) == 0 {
		t.Fatalf("control log read: %v (%d entries)", err, len(entries))
	}
	return entries[0]
}

func TestRejectedCommandLeavesStateUntouched(t *testing.T) {
	ctrl, conn, ctx := newController(t)

	_, err := ctrl.Pause(ctx, "operator")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	status, err := ctrl.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.AgentIdle {
		t.Fatalf("state must stay idle, got %s", status.State)
	}
	entry := lastControlEntry(t, conn)
	if entry.Command != "pause" || entry.Result != "rejected" || entry.ErrorDetail == "" {
		t.Fatalf("rejected command must be logged with reason: %+v", entry)
	}
}

func TestStartDiscoveryValidatesInputs(t *testing.T) {
	ctrl, _, ctx := newController(t)
	_, err := ctrl.StartDiscovery(ctx, "", "Lyon", "operator", newScriptedTask())
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "query" {
		t.Fatalf("expected query validation error, got %v", err)
	}
	_, err = ctrl.StartDiscovery(ctx, "plumber", "  ", "operator", newScriptedTask())
	if !errors.As(err, &ve) || ve.Field != "location" {
		t.Fatalf("expected location validation error, got %v", err)
	}
}

func TestStartOutreachRequiresReadyLeads(t *testing.T) {
	ctrl, _, ctx := newController(t)
	_, err := ctrl.StartOutreach(ctx, "operator", newScriptedTask())
	var pre domain.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestResumeRequiresPausedRun(t *testing.T) {
	ctrl, conn, ctx := newController(t)

	_, err := ctrl.Resume(ctx, "operator")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	status, _ := ctrl.Status(ctx)
	if status.State != domain.AgentIdle {
		t.Fatalf("resume from idle must not move the agent, got %s", status.State)
	}
	entry := lastControlEntry(t, conn)
	if entry.Command != "resume" || entry.Result != "rejected" {
		t.Fatalf("rejected resume must be logged: %+v", entry)
	}
}

func TestStartRejectedWhileRunActive(t *testing.T) {
	ctrl, conn, ctx := newController(t)
	task := newScriptedTask()

	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", task); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, task)

	// a second start of either kind is refused on state, not preconditions
	_, err := ctrl.StartOutreach(ctx, "operator", newScriptedTask())
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var pre domain.PreconditionError
	if errors.As(err, &pre) {
		t.Fatalf("state check must run before the ready-lead check, got %v", err)
	}
	entry := lastControlEntry(t, conn)
	if entry.Command != "start_outreach" || entry.Result != "rejected" {
		t.Fatalf("rejected start must be logged: %+v", entry)
	}

	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", newScriptedTask()); !errors.As(err, &inv) {
		t.Fatalf("expected invalid transition for second discovery, got %v", err)
	}
	status, _ := ctrl.Status(ctx)
	if status.State != domain.AgentDiscovering {
		t.Fatalf("running agent must stay discovering, got %s", status.State)
	}

	if _, err := ctrl.Stop(ctx, "operator"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctrl.Wait()
}

func TestRunFinishingWhilePausedSettlesToIdle(t *testing.T) {
	ctrl, conn, ctx := newController(t)
	task := newScriptedTask()

	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", task); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, task)
	if _, err := ctrl.Pause(ctx, "operator"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// the in-flight item was the last one
	task.finish = true
	task.release <- struct{}{}
	ctrl.Wait()

	status, _ := ctrl.Status(ctx)
	if status.State != domain.AgentIdle {
		t.Fatalf("finished run must not stay paused, got %s", status.State)
	}
	_, err := ctrl.Resume(ctx, "operator")
	var inv domain.InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("resume after the run ended must be rejected, got %v", err)
	}
	entry := lastControlEntry(t, conn)
	if entry.Command != "resume" || entry.Result != "rejected" {
		t.Fatalf("rejected resume must be logged: %+v", entry)
	}
}

func TestPauseFinishesInFlightItemThenParks(t *testing.T) {
	ctrl, _, ctx := newController(t)
	task := newScriptedTask()

	status, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", task)
	if err != nil || status.State != domain.AgentDiscovering {
		t.Fatalf("start discovery: %+v (%v)", status, err)
	}
	waitStarted(t, task)

	// pause lands while an item is in flight
	status, err = ctrl.Pause(ctx, "operator")
	if err != nil || status.State != domain.AgentPaused {
		t.Fatalf("pause: %+v (%v)", status, err)
	}
	// the in-flight item still completes
	task.release <- struct{}{}
	assertNotStarted(t, task)

	status, err = ctrl.Resume(ctx, "operator")
	if err != nil || status.State != domain.AgentDiscovering {
		t.Fatalf("resume must return to discovering: %+v (%v)", status, err)
	}
	waitStarted(t, task)

	if _, err := ctrl.Stop(ctx, "operator"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctrl.Wait()
	status, _ = ctrl.Status(ctx)
	if status.State != domain.AgentIdle {
		t.Fatalf("expected idle after drain, got %s", status.State)
	}
}

func TestStopWhilePausedDrainsToIdle(t *testing.T) {
	ctrl, _, ctx := newController(t)
	task := newScriptedTask()

	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", task); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, task)
	if _, err := ctrl.Pause(ctx, "operator"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	task.release <- struct{}{}
	assertNotStarted(t, task)

	if _, err := ctrl.Stop(ctx, "operator"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctrl.Wait()
	status, _ := ctrl.Status(ctx)
	if status.State != domain.AgentIdle {
		t.Fatalf("expected idle, got %s", status.State)
	}
}

func TestRepeatedErrorsEscalateToErrorState(t *testing.T) {
	ctrl, _, ctx := newController(t)
	ctrl.Config.Runner.ErrorThreshold = 3
	failing := controller.TaskFunc{
		TaskName: "discovery",
		Fn: func(ctx context.Context) (bool, error) {
			return false, errors.New("provider unreachable")
		},
	}
	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", failing); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.Wait()
	status, err := ctrl.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.AgentError {
		t.Fatalf("expected error state, got %s", status.State)
	}
	if status.ErrorMessage == "" {
		t.Fatalf("error message must be recorded")
	}

	// only reset exits error
	if _, err := ctrl.Resume(ctx, "operator"); err == nil {
		t.Fatalf("resume from error must be rejected")
	}
	status, err = ctrl.Reset(ctx, "operator")
	if err != nil || status.State != domain.AgentIdle {
		t.Fatalf("reset: %+v (%v)", status, err)
	}
	if status.ErrorMessage != "" {
		t.Fatalf("reset must clear the error message")
	}
}

func TestTaskCompletionReturnsToIdle(t *testing.T) {
	ctrl, conn, ctx := newController(t)
	done := controller.TaskFunc{
		TaskName: "discovery",
		Fn: func(ctx context.Context) (bool, error) { return true, nil },
	}
	if _, err := ctrl.StartDiscovery(ctx, "plumber", "Lyon", "operator", done); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.Wait()
	status, _ := ctrl.Status(ctx)
	if status.State != domain.AgentIdle {
		t.Fatalf("expected idle, got %s", status.State)
	}
	if status.LastHeartbeat == nil {
		t.Fatalf("runner must beat the heartbeat")
	}
	entry := lastControlEntry(t, conn)
	if entry.Command != "task_complete" || entry.Result != "success" {
		t.Fatalf("expected task_complete entry, got %+v", entry)
	}
}
