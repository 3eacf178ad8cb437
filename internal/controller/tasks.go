package controller

import (
	"context"
	"errors"

	"leadline/internal/config"
	"leadline/internal/discovery"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/outreach"
)

// discoveryTask searches once up front, then analyzes one lead per item so
// pause and stop land between leads.
type discoveryTask struct {
	Engine   engine.Engine
	Provider discovery.Provider
	Analyzer discovery.Analyzer
	Config   *config.Config
	Query    string
	Location string

	searched bool
	pending  []string
}

func NewDiscoveryTask(eng engine.Engine, p discovery.Provider, a discovery.Analyzer, cfg *config.Config, query, location string) Task {
	return &discoveryTask{Engine: eng, Provider: p, Analyzer: a, Config: cfg, Query: query, Location: location}
}

func (t *discoveryTask) Name() string { return "discovery" }

func (t *discoveryTask) Next(ctx context.Context) (bool, error) {
	if !t.searched {
		t.searched = true
		candidates, err := t.Provider.Search(ctx, t.Query, t.Location, t.Config.Discovery.MaxResults)
		if err != nil {
			return false, err
		}
		for _, c := range candidates {
			if _, err := t.Engine.Ingest(ctx, c, "agent"); err != nil {
				return false, err
			}
		}
		// the analysis queue comes from the store, so leads left over from
		// an interrupted run are picked up too
		leads, err := t.Engine.Repo.ListLeadsForAnalysis(ctx, 0)
		if err != nil {
			return false, err
		}
		for _, l := range leads {
			t.pending = append(t.pending, l.ID)
		}
		return len(t.pending) == 0, nil
	}

	if len(t.pending) == 0 {
		return true, nil
	}
	id := t.pending[0]
	t.pending = t.pending[1:]

	lead, err := t.Engine.StartAnalysis(ctx, id, "agent")
	if err != nil {
		var pre domain.PreconditionError
		if errors.As(err, &pre) {
			// attempts exhausted, skip
			return len(t.pending) == 0, nil
		}
		return len(t.pending) == 0, err
	}
	result, err := t.Analyzer.Analyze(ctx, lead.BusinessName, lead.WebsiteURL)
	if err != nil {
		if _, ferr := t.Engine.FailAnalysis(ctx, id, err.Error(), "agent"); ferr != nil {
			return len(t.pending) == 0, ferr
		}
		return len(t.pending) == 0, err
	}
	if _, err := t.Engine.CompleteAnalysis(ctx, id, result, "agent"); err != nil {
		return len(t.pending) == 0, err
	}
	return len(t.pending) == 0, nil
}

// outreachTask processes one due lead per item. The scheduler owns the
// safety gates, quota, and retry bookkeeping.
type outreachTask struct {
	Scheduler *outreach.Scheduler

	loaded  bool
	pending []string
}

func NewOutreachTask(s *outreach.Scheduler) Task {
	return &outreachTask{Scheduler: s}
}

func (t *outreachTask) Name() string { return "outreach" }

func (t *outreachTask) Next(ctx context.Context) (bool, error) {
	if !t.loaded {
		t.loaded = true
		followupBefore := t.Scheduler.FollowupCutoff()
		leads, err := t.Scheduler.Engine.Repo.ListOutreachCandidates(ctx, followupBefore, 0)
		if err != nil {
			return false, err
		}
		for _, l := range leads {
			t.pending = append(t.pending, l.ID)
		}
	}
	if len(t.pending) == 0 {
		return true, nil
	}
	id := t.pending[0]
	t.pending = t.pending[1:]

	if err := t.Scheduler.Quota.Allow(ctx, t.Scheduler.Clock()); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			// quota spent, end the run cleanly
			t.pending = nil
			return true, nil
		}
		return len(t.pending) == 0, err
	}
	if _, err := t.Scheduler.ProcessLead(ctx, id); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			t.pending = nil
			return true, nil
		}
		return len(t.pending) == 0, err
	}
	return len(t.pending) == 0, nil
}
