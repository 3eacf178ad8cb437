// Package controller owns the supervised agent: a persisted state machine
// gating every command, plus the background runner that executes discovery
// and outreach work under it.
package controller

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// agentTransitions is the raw state graph. Several commands narrow it
// further: starts require an idle agent, resume a live paused run, reset the
// error state. The paused to idle edge exists for a task that finishes its
// last item while paused.
var agentTransitions = map[string][]string{
	domain.AgentIdle:            {domain.AgentDiscovering, domain.AgentOutreachRunning},
	domain.AgentDiscovering:     {domain.AgentPaused, domain.AgentStopping, domain.AgentError, domain.AgentIdle},
	domain.AgentOutreachRunning: {domain.AgentPaused, domain.AgentStopping, domain.AgentError, domain.AgentIdle},
	domain.AgentPaused:          {domain.AgentDiscovering, domain.AgentOutreachRunning, domain.AgentStopping, domain.AgentIdle},
	domain.AgentStopping:        {domain.AgentIdle, domain.AgentError},
	domain.AgentError:           {domain.AgentIdle},
}

func ensureAgentTransition(from, to string) error {
	for _, allowed := range agentTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return domain.InvalidTransitionError{Entity: "agent", From: from, To: to}
}

// Controller serializes agent commands. All state lives in the agent_state
// row; the in-process mutex only orders concurrent command handlers.
type Controller struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time

	mu     sync.Mutex
	runner *Runner
}

func New(db *sql.DB, cfg *config.Config) *Controller {
	return &Controller{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Status returns the current persisted agent state.
func (c *Controller) Status(ctx context.Context) (domain.AgentStatus, error) {
	if err := c.Repo.EnsureAgentState(ctx, c.now()); err != nil {
		return domain.AgentStatus{}, err
	}
	return c.Repo.GetAgentStatus(ctx)
}

// transition applies one validated state change and its control-log entry
// atomically. A rejected command logs with result rejected and leaves agent
// state untouched.
func (c *Controller) transition(ctx context.Context, command, to, actor, reason string, mutate func(*domain.AgentStatus)) (domain.AgentStatus, error) {
	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.EnsureAgentState(ctx, c.now()); err != nil {
		return domain.AgentStatus{}, err
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	defer tx.Rollback()

	status, err := c.Repo.GetAgentStatus(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	if terr := ensureAgentTransition(status.State, to); terr != nil {
		entry := domain.ControlLogEntry{
			TS: now, Command: command, PreviousState: status.State, NewState: to,
			ControlledBy: actor, Result: "rejected", ErrorDetail: terr.Error(),
		}
		if err := c.Repo.AppendControlLog(ctx, tx, entry); err != nil {
			return domain.AgentStatus{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.AgentStatus{}, err
		}
		return status, terr
	}

	from := status.State
	status.PreviousState = from
	status.State = to
	status.LastTransitionTime = now
	status.ControlledBy = actor
	status.Reason = reason
	if mutate != nil {
		mutate(&status)
	}
	if err := c.Repo.UpdateAgentStatus(ctx, tx, status); err != nil {
		return domain.AgentStatus{}, err
	}
	entry := domain.ControlLogEntry{
		TS: now, Command: command, PreviousState: from, NewState: to,
		ControlledBy: actor, Reason: reason, Result: "success",
	}
	if err := c.Repo.AppendControlLog(ctx, tx, entry); err != nil {
		return domain.AgentStatus{}, err
	}
	if err := c.Audit.Append(ctx, tx, audit.EntitySystem, "agent", "controller", command, audit.ResultSuccess, audit.Details{
		"from_state": from, "to_state": to, "actor": actor,
	}); err != nil {
		return domain.AgentStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentStatus{}, err
	}
	return status, nil
}

// reject logs a refused command with the old state intact and returns the
// refusal to the caller. A nil cause means the state graph forbids the move.
func (c *Controller) reject(ctx context.Context, command string, status domain.AgentStatus, to, actor string, cause error) (domain.AgentStatus, error) {
	if cause == nil {
		cause = domain.InvalidTransitionError{Entity: "agent", From: status.State, To: to}
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	defer tx.Rollback()
	entry := domain.ControlLogEntry{
		TS: c.now().UTC().Format(time.RFC3339), Command: command, PreviousState: status.State, NewState: to,
		ControlledBy: actor, Result: "rejected", ErrorDetail: cause.Error(),
	}
	if err := c.Repo.AppendControlLog(ctx, tx, entry); err != nil {
		return domain.AgentStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentStatus{}, err
	}
	return status, cause
}

// StartDiscovery launches a discovery run. The query and location are
// required; an already busy agent rejects the command.
func (c *Controller) StartDiscovery(ctx context.Context, query, location, actor string, task Task) (domain.AgentStatus, error) {
	if strings.TrimSpace(query) == "" {
		return domain.AgentStatus{}, domain.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if strings.TrimSpace(location) == "" {
		return domain.AgentStatus{}, domain.ValidationError{Field: "location", Reason: "must not be empty"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.Status(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	if c.runner != nil || current.State != domain.AgentIdle {
		return c.reject(ctx, "start_discovery", current, domain.AgentDiscovering, actor, nil)
	}
	status, err := c.transition(ctx, "start_discovery", domain.AgentDiscovering, actor, "", func(s *domain.AgentStatus) {
		s.CurrentTask = "discovery"
		s.DiscoveryQuery = query
		s.DiscoveryLocation = location
		s.ErrorMessage = ""
	})
	if err != nil {
		return status, err
	}
	c.launch(task)
	return status, nil
}

// StartOutreach launches a send run. The state check comes first so a busy
// agent always answers with the transition refusal; only an idle agent gets
// as far as the ready-lead precondition, which stops runs that would do
// nothing.
func (c *Controller) StartOutreach(ctx context.Context, actor string, task Task) (domain.AgentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.Status(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	if c.runner != nil || current.State != domain.AgentIdle {
		return c.reject(ctx, "start_outreach", current, domain.AgentOutreachRunning, actor, nil)
	}
	ready, err := c.Repo.CountOutreachReady(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	if ready == 0 {
		perr := domain.PreconditionError{Reason: "no approved leads are ready for outreach"}
		return c.reject(ctx, "start_outreach", current, domain.AgentOutreachRunning, actor, perr)
	}
	status, err := c.transition(ctx, "start_outreach", domain.AgentOutreachRunning, actor, "", func(s *domain.AgentStatus) {
		s.CurrentTask = "outreach"
		s.ErrorMessage = ""
	})
	if err != nil {
		return status, err
	}
	c.launch(task)
	return status, nil
}

// Pause suspends the running task between work items. In-flight items are
// never interrupted.
func (c *Controller) Pause(ctx context.Context, actor string) (domain.AgentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.transition(ctx, "pause", domain.AgentPaused, actor, "", nil)
	if err != nil {
		return status, err
	}
	if c.runner != nil {
		c.runner.Pause()
	}
	return status, nil
}

// Resume returns a paused agent to whichever running state it paused from.
// Any other state refuses the command; resuming requires a live paused run,
// never a fresh launch.
func (c *Controller) Resume(ctx context.Context, actor string) (domain.AgentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.Status(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	target := current.PreviousState
	if target != domain.AgentDiscovering && target != domain.AgentOutreachRunning {
		target = domain.AgentDiscovering
	}
	if current.State != domain.AgentPaused || c.runner == nil {
		return c.reject(ctx, "resume", current, target, actor, nil)
	}
	status, err := c.transition(ctx, "resume", target, actor, "", nil)
	if err != nil {
		return status, err
	}
	c.runner.Resume()
	return status, nil
}

// Stop requests a graceful drain. The runner finishes its current item,
// re-queues anything stuck, then lands the agent in idle.
func (c *Controller) Stop(ctx context.Context, actor string) (domain.AgentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.transition(ctx, "stop", domain.AgentStopping, actor, "", nil)
	if err != nil {
		return status, err
	}
	if c.runner != nil {
		c.runner.Cancel()
	} else {
		// nothing running to drain, settle immediately
		return c.transition(ctx, "stop_complete", domain.AgentIdle, "runner", "", func(s *domain.AgentStatus) {
			s.CurrentTask = ""
		})
	}
	return status, nil
}

// Reset acknowledges an error and returns the agent to idle. It is the only
// exit from the error state, and the error state is the only one it leaves.
func (c *Controller) Reset(ctx context.Context, actor string) (domain.AgentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.Status(ctx)
	if err != nil {
		return domain.AgentStatus{}, err
	}
	if current.State != domain.AgentError {
		return c.reject(ctx, "reset", current, domain.AgentIdle, actor, nil)
	}
	return c.transition(ctx, "reset", domain.AgentIdle, actor, "", func(s *domain.AgentStatus) {
		s.CurrentTask = ""
		s.ErrorMessage = ""
	})
}

// Wait blocks until the current runner, if any, has fully drained. Test and
// shutdown hook.
func (c *Controller) Wait() {
	c.mu.Lock()
	r := c.runner
	c.mu.Unlock()
	if r != nil {
		r.Wait()
	}
}

func (c *Controller) launch(task Task) {
	r := newRunner(c, task)
	c.runner = r
	r.start()
}

// settle is called by the runner when its loop exits. It moves the agent to
// the terminal state the run earned: idle on completion or stop, error on
// escalation. A run that finishes while paused lands in idle too, so the
// agent is never left paused over a dead runner.
func (c *Controller) settle(to, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	_, _ = c.transition(ctx, "task_complete", to, "runner", errMsg, func(s *domain.AgentStatus) {
		s.CurrentTask = ""
		s.ErrorMessage = errMsg
	})
	c.runner = nil
}
