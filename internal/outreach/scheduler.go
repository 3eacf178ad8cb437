package outreach

import (
	"context"
	"errors"
	"sync"
	"time"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/quota"
	"leadline/internal/repo"
)

// Scheduler walks due leads and drives each one through queue, send, and
// bookkeeping. It is the only caller of the engine's message operations, so
// every send passes the same safety gates.
type Scheduler struct {
	Engine   engine.Engine
	Quota    *quota.Tracker
	Sender   EmailSender
	Renderer Renderer
	Config   *config.Config
	Now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewScheduler(eng engine.Engine, tracker *quota.Tracker, sender EmailSender, cfg *config.Config) *Scheduler {
	return &Scheduler{
		Engine:   eng,
		Quota:    tracker,
		Sender:   sender,
		Renderer: Renderer{Config: cfg},
		Config:   cfg,
		Now:      eng.Now,
		inFlight: make(map[string]struct{}),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// acquire marks a lead in flight. A false return means another worker holds
// it and the lead must be skipped this pass.
func (s *Scheduler) acquire(leadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]struct{})
	}
	if _, held := s.inFlight[leadID]; held {
		return false
	}
	s.inFlight[leadID] = struct{}{}
	return true
}

func (s *Scheduler) release(leadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, leadID)
}

// FollowupCutoff returns the last-contacted bound for followup eligibility
// at the current instant.
func (s *Scheduler) FollowupCutoff() string {
	return s.now().AddDate(0, 0, -s.Config.Outreach.FollowupDelayDays).UTC().Format(time.RFC3339)
}

// Clock returns the scheduler's current time.
func (s *Scheduler) Clock() time.Time {
	return s.now()
}

// Report summarizes one scheduler pass.
type Report struct {
	Considered int  `json:"considered"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	QuotaHit   bool `json:"quota_hit"`
}

// RunOnce performs a single outreach pass: select due leads, then send one
// message per lead until the batch is exhausted, the quota trips, or ctx is
// cancelled.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	leads, err := s.Engine.Repo.ListOutreachCandidates(ctx, s.FollowupCutoff(), 0)
	if err != nil {
		return rep, err
	}
	rep.Considered = len(leads)

	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.Quota.Allow(ctx, s.now()); err != nil {
			if errors.Is(err, domain.ErrQuotaExceeded) {
				rep.QuotaHit = true
				s.auditSkip(ctx, lead.ID, "quota exceeded")
				return rep, nil
			}
			return rep, err
		}
		sent, err := s.ProcessLead(ctx, lead.ID)
		switch {
		case err == nil && sent:
			rep.Sent++
		case err == nil:
			rep.Skipped++
		case errors.Is(err, domain.ErrQuotaExceeded):
			rep.QuotaHit = true
			return rep, nil
		default:
			rep.Failed++
		}
		if s.Config.Outreach.SendSpacing > 0 && sent {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(s.Config.Outreach.SendSpacing):
			}
		}
	}
	return rep, nil
}

// ProcessLead sends at most one message for the lead. The bool reports
// whether a message was actually delivered. Safety gates are re-checked on
// fresh state so a reply or rejection that landed after selection still
// blocks the send.
func (s *Scheduler) ProcessLead(ctx context.Context, leadID string) (bool, error) {
	if !s.acquire(leadID) {
		return false, nil
	}
	defer s.release(leadID)

	lead, err := s.Engine.Repo.GetLead(ctx, leadID)
	if err != nil {
		return false, err
	}
	kind, ok := s.dueKind(lead)
	if !ok {
		return false, nil
	}
	if lead.ReviewStatus != domain.ReviewApproved {
		s.auditBlocked(ctx, lead.ID, "lead is not approved")
		return false, nil
	}
	if lead.Email == "" {
		s.auditBlocked(ctx, lead.ID, "lead has no email address")
		return false, nil
	}

	msg, err := s.dueMessage(ctx, lead, kind)
	if err != nil || msg.ID == "" {
		return false, err
	}

	// the slot is claimed before the message leaves; a send that would
	// exceed a window never executes
	if err := s.Quota.Reserve(ctx, s.now()); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.auditSkip(ctx, lead.ID, "quota exceeded")
		}
		return false, err
	}
	msg, err = s.Engine.BeginSend(ctx, msg)
	if err != nil {
		_ = s.Quota.Release(ctx, s.now())
		return false, err
	}
	if sendErr := s.Sender.Send(ctx, msg.ToEmail, msg.Subject, msg.Body); sendErr != nil {
		_ = s.Quota.Release(ctx, s.now())
		if _, err := s.Engine.FailSend(ctx, msg, sendErr.Error()); err != nil {
			return false, err
		}
		return false, sendErr
	}
	if _, err := s.Engine.CompleteSend(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// dueKind decides which message, if any, the lead is owed right now.
func (s *Scheduler) dueKind(lead domain.Lead) (string, bool) {
	switch lead.OutreachStatus {
	case domain.OutreachNotSent:
		return domain.MessageInitial, true
	case domain.OutreachSentInitial:
		if lead.LastContacted == nil {
			return "", false
		}
		contacted, err := time.Parse(time.RFC3339, *lead.LastContacted)
		if err != nil {
			return "", false
		}
		due := contacted.AddDate(0, 0, s.Config.Outreach.FollowupDelayDays)
		if s.now().Before(due) {
			return "", false
		}
		return domain.MessageFollowup, true
	default:
		return "", false
	}
}

// dueMessage reuses a queued retry when its backoff has elapsed, otherwise
// renders and queues a fresh message. A zero-ID result means nothing is due.
func (s *Scheduler) dueMessage(ctx context.Context, lead domain.Lead, kind string) (domain.Message, error) {
	pending, err := s.Engine.Repo.PendingMessage(ctx, lead.ID)
	if err == nil {
		if pending.State != domain.MessageQueued {
			return domain.Message{}, nil
		}
		if pending.NextAttemptAt != nil {
			next, perr := time.Parse(time.RFC3339, *pending.NextAttemptAt)
			if perr == nil && s.now().Before(next) {
				return domain.Message{}, nil
			}
		}
		return pending, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Message{}, err
	}
	subject, body, err := s.Renderer.Render(lead, kind)
	if err != nil {
		return domain.Message{}, err
	}
	return s.Engine.QueueMessage(ctx, lead, kind, subject, body)
}

func (s *Scheduler) auditSkip(ctx context.Context, leadID, reason string) {
	_ = s.Engine.Audit.AppendDirect(ctx, audit.EntityLead, leadID, "messenger", "send", audit.ResultSkipped, audit.Details{"reason": reason})
}

func (s *Scheduler) auditBlocked(ctx context.Context, leadID, reason string) {
	_ = s.Engine.Audit.AppendDirect(ctx, audit.EntityLead, leadID, "messenger", "send", audit.ResultBlocked, audit.Details{"reason": reason})
}
