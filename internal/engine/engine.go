package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadline/internal/audit"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/repo"
)

// Engine owns lead and message state. Every mutation runs through a
// validated transition inside one transaction, with the audit entry
// committed atomically alongside it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var leadTransitions = map[string][]string{
	domain.LeadDiscovered:       {domain.LeadAnalyzing, domain.LeadFailed},
	domain.LeadAnalyzing:        {domain.LeadAnalyzed, domain.LeadFailed},
	domain.LeadAnalyzed:         {domain.LeadPendingReview, domain.LeadFailed},
	domain.LeadPendingReview:    {domain.LeadApproved, domain.LeadRejected},
	domain.LeadApproved:         {domain.LeadReadyForOutreach, domain.LeadRejected},
	domain.LeadReadyForOutreach: {domain.LeadRejected},
	domain.LeadFailed:           {domain.LeadAnalyzing},
	domain.LeadRejected:         {},
}

func ensureLeadTransition(from, to string) error {
	for _, allowed := range leadTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return domain.InvalidTransitionError{Entity: "lead", From: from, To: to}
}

var messageTransitions = map[string][]string{
	domain.MessageQueued:  {domain.MessageSending, domain.MessageCancelled},
	domain.MessageSending: {domain.MessageSent, domain.MessageQueued, domain.MessageFailed},
}

func ensureMessageTransition(from, to string) error {
	for _, allowed := range messageTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return domain.InvalidTransitionError{Entity: "message", From: from, To: to}
}

// Candidate is one discovery-provider record.
type Candidate struct {
	BusinessName string
	Category     string
	Location     string
	SourceURL    string
	Confidence   string
}

// Ingest stores a discovered candidate, merging into an existing lead when
// the (business name, location) identity already exists. Merging refreshes
// metadata but never regresses review or lifecycle state.
func (e Engine) Ingest(ctx context.Context, c Candidate, actor string) (domain.Lead, error) {
	if strings.TrimSpace(c.BusinessName) == "" {
		return domain.Lead{}, domain.ValidationError{Field: "business_name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Location) == "" {
		return domain.Lead{}, domain.ValidationError{Field: "location", Reason: "must not be empty"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.FindLeadByIdentity(ctx, tx, c.BusinessName, c.Location)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Lead{}, err
	}
	if err == nil {
		merged := existing
		if merged.Category == "" {
			merged.Category = c.Category
		}
		if merged.SourceURL == "" {
			merged.SourceURL = c.SourceURL
		}
		if c.Confidence != "" {
			merged.Confidence = c.Confidence
		}
		merged.UpdatedAt = now
		merged.Version++
		if err := e.Repo.UpdateLead(ctx, tx, merged); err != nil {
			return domain.Lead{}, err
		}
		if err := e.Audit.Append(ctx, tx, audit.EntityLead, merged.ID, "hunter", "ingest", audit.ResultSkipped, audit.Details{
			"reason": "duplicate merged", "business_name": c.BusinessName, "location": c.Location,
		}); err != nil {
			return domain.Lead{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Lead{}, err
		}
		return merged, nil
	}

	l := domain.Lead{
		ID:             uuid.New().String(),
		BusinessName:   c.BusinessName,
		Category:       c.Category,
		Location:       c.Location,
		SourceURL:      c.SourceURL,
		Confidence:     c.Confidence,
		LifecycleState: domain.LeadDiscovered,
		ReviewStatus:   domain.ReviewPending,
		OutreachStatus: domain.OutreachNotSent,
		DiscoveredAt:   now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
		return domain.Lead{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.EntityLead, l.ID, "hunter", "ingest", audit.ResultSuccess, audit.Details{
		"business_name": l.BusinessName, "location": l.Location, "actor": actor,
	}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// StartAnalysis moves a lead into ANALYZING, counting the attempt. A failed
// lead may re-enter analysis until the configured attempt ceiling.
func (e Engine) StartAnalysis(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "analyst", "start_analysis", actor, func(l *domain.Lead) error {
		if l.LifecycleState == domain.LeadFailed && l.AnalysisAttempts >= e.Config.Discovery.MaxAnalysisAttempts {
			return domain.PreconditionError{Reason: fmt.Sprintf("analysis attempts exhausted (%d)", l.AnalysisAttempts)}
		}
		if err := ensureLeadTransition(l.LifecycleState, domain.LeadAnalyzing); err != nil {
			return err
		}
		l.LifecycleState = domain.LeadAnalyzing
		l.AnalysisAttempts++
		return nil
	})
}

// Analysis is the analyzer collaborator's result for one lead.
type Analysis struct {
	Email      string
	Phone      string
	WebsiteURL string
	Tag        string
	Confidence string
}

// CompleteAnalysis records contact data and advances the lead through
// ANALYZED into PENDING_REVIEW.
func (e Engine) CompleteAnalysis(ctx context.Context, leadID string, a Analysis, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "analyst", "complete_analysis", actor, func(l *domain.Lead) error {
		if err := ensureLeadTransition(l.LifecycleState, domain.LeadAnalyzed); err != nil {
			return err
		}
		if err := ensureLeadTransition(domain.LeadAnalyzed, domain.LeadPendingReview); err != nil {
			return err
		}
		if a.Email != "" {
			l.Email = a.Email
		}
		if a.Phone != "" {
			l.Phone = a.Phone
		}
		if a.WebsiteURL != "" {
			l.WebsiteURL = a.WebsiteURL
		}
		if a.Tag != "" {
			l.Tag = a.Tag
		}
		if a.Confidence != "" {
			l.Confidence = a.Confidence
		}
		l.LifecycleState = domain.LeadPendingReview
		return nil
	})
}

// FailAnalysis marks an analysis attempt failed. The lead stays retryable
// until attempts are exhausted.
func (e Engine) FailAnalysis(ctx context.Context, leadID, cause, actor string) (domain.Lead, error) {
	return e.mutateLeadResult(ctx, leadID, "analyst", "fail_analysis", actor, audit.ResultError, audit.Details{"error": cause}, func(l *domain.Lead) error {
		if err := ensureLeadTransition(l.LifecycleState, domain.LeadFailed); err != nil {
			return err
		}
		l.LifecycleState = domain.LeadFailed
		return nil
	})
}

// Approve passes the human review gate. It requires a pending review and a
// non-empty email, and advances the lifecycle to READY_FOR_OUTREACH.
func (e Engine) Approve(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "review", "approve", actor, func(l *domain.Lead) error {
		if l.ReviewStatus != domain.ReviewPending {
			return domain.InvalidTransitionError{Entity: "review", From: l.ReviewStatus, To: domain.ReviewApproved}
		}
		if strings.TrimSpace(l.Email) == "" {
			return domain.PreconditionError{Reason: "cannot approve lead without email address"}
		}
		l.ReviewStatus = domain.ReviewApproved
		if l.LifecycleState == domain.LeadPendingReview {
			if err := ensureLeadTransition(l.LifecycleState, domain.LeadApproved); err != nil {
				return err
			}
			if err := ensureLeadTransition(domain.LeadApproved, domain.LeadReadyForOutreach); err != nil {
				return err
			}
			l.LifecycleState = domain.LeadReadyForOutreach
		}
		return nil
	})
}

// Reject closes the review gate. No email constraint applies.
func (e Engine) Reject(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "review", "reject", actor, func(l *domain.Lead) error {
		if l.ReviewStatus != domain.ReviewPending {
			return domain.InvalidTransitionError{Entity: "review", From: l.ReviewStatus, To: domain.ReviewRejected}
		}
		l.ReviewStatus = domain.ReviewRejected
		if l.LifecycleState == domain.LeadPendingReview {
			if err := ensureLeadTransition(l.LifecycleState, domain.LeadRejected); err != nil {
				return err
			}
			l.LifecycleState = domain.LeadRejected
		}
		return nil
	})
}

// BulkResult reports one id's outcome of a bulk review operation.
type BulkResult struct {
	LeadID string `json:"lead_id"`
	Status string `json:"status" enum:"approved,rejected,skipped"`
	Reason string `json:"reason,omitempty"`
}

// BulkApprove applies Approve per id. One id's failure never blocks the rest.
func (e Engine) BulkApprove(ctx context.Context, leadIDs []string, actor string) []BulkResult {
	results := make([]BulkResult, 0, len(leadIDs))
	for _, id := range leadIDs {
		if _, err := e.Approve(ctx, id, actor); err != nil {
			results = append(results, BulkResult{LeadID: id, Status: "skipped", Reason: err.Error()})
			continue
		}
		results = append(results, BulkResult{LeadID: id, Status: "approved"})
	}
	return results
}

// BulkReject applies Reject per id with per-id outcomes.
func (e Engine) BulkReject(ctx context.Context, leadIDs []string, actor string) []BulkResult {
	results := make([]BulkResult, 0, len(leadIDs))
	for _, id := range leadIDs {
		if _, err := e.Reject(ctx, id, actor); err != nil {
			results = append(results, BulkResult{LeadID: id, Status: "skipped", Reason: err.Error()})
			continue
		}
		results = append(results, BulkResult{LeadID: id, Status: "rejected"})
	}
	return results
}

// Archive flags a dead-end lead. The row is retained for audit; nothing is
// ever deleted.
func (e Engine) Archive(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "review", "archive", actor, func(l *domain.Lead) error {
		if l.LifecycleState != domain.LeadRejected && l.LifecycleState != domain.LeadFailed {
			return domain.PreconditionError{Reason: fmt.Sprintf("only rejected or failed leads can be archived, lead is %s", l.LifecycleState)}
		}
		l.Archived = true
		return nil
	})
}

// MarkReplied records an externally detected reply and cancels any open
// message so the lead drops out of scheduling.
func (e Engine) MarkReplied(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.mutateLeadTx(ctx, leadID, "reply_detector", "mark_replied", actor, audit.ResultSuccess, nil, func(tx *sql.Tx, l *domain.Lead) error {
		if l.OutreachStatus == domain.OutreachReplied {
			return domain.InvalidTransitionError{Entity: "outreach", From: l.OutreachStatus, To: domain.OutreachReplied}
		}
		l.OutreachStatus = domain.OutreachReplied
		pending, err := e.Repo.PendingMessage(ctx, l.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		if pending.State == domain.MessageQueued {
			pending.State = domain.MessageCancelled
			pending.UpdatedAt = now
			return e.Repo.UpdateMessage(ctx, tx, pending)
		}
		return nil
	})
}

// MarkBounced records a transport-level bounce signaled externally.
func (e Engine) MarkBounced(ctx context.Context, leadID, actor string) (domain.Lead, error) {
	return e.mutateLead(ctx, leadID, "reply_detector", "mark_bounced", actor, func(l *domain.Lead) error {
		if l.OutreachStatus != domain.OutreachSentInitial && l.OutreachStatus != domain.OutreachSentFollowup {
			return domain.InvalidTransitionError{Entity: "outreach", From: l.OutreachStatus, To: domain.OutreachBounced}
		}
		l.OutreachStatus = domain.OutreachBounced
		return nil
	})
}

// --- message operations, used only by the outreach scheduler ---

// QueueMessage creates the queued message row for a due lead.
func (e Engine) QueueMessage(ctx context.Context, lead domain.Lead, kind, subject, body string) (domain.Message, error) {
	if lead.ReviewStatus != domain.ReviewApproved {
		return domain.Message{}, domain.PreconditionError{Reason: "lead is not approved"}
	}
	if strings.TrimSpace(lead.Email) == "" {
		return domain.Message{}, domain.PreconditionError{Reason: "lead has no email address"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Message{
		ID:        uuid.New().String(),
		LeadID:    lead.ID,
		Kind:      kind,
		ToEmail:   lead.Email,
		Subject:   subject,
		Body:      body,
		State:     domain.MessageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.EntityEmail, m.ID, "messenger", "queue", audit.ResultSuccess, audit.Details{
		"lead_id": lead.ID, "kind": kind,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// BeginSend moves a message to SENDING before the transport call.
func (e Engine) BeginSend(ctx context.Context, m domain.Message) (domain.Message, error) {
	if err := ensureMessageTransition(m.State, domain.MessageSending); err != nil {
		return m, err
	}
	m.State = domain.MessageSending
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMessage(ctx, tx, m); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// CompleteSend records a delivered message and advances the lead's outreach
// status, last-contacted timestamp, and audit trail in one transaction.
func (e Engine) CompleteSend(ctx context.Context, m domain.Message) (domain.Message, error) {
	if err := ensureMessageTransition(m.State, domain.MessageSent); err != nil {
		return m, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.State = domain.MessageSent
	m.Attempts++
	m.UpdatedAt = now
	m.SentAt = &now
	m.NextAttemptAt = nil

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMessage(ctx, tx, m); err != nil {
		return m, err
	}
	lead, err := e.Repo.GetLeadTx(ctx, tx, m.LeadID)
	if err != nil {
		return m, err
	}
	switch m.Kind {
	case domain.MessageInitial:
		lead.OutreachStatus = domain.OutreachSentInitial
	case domain.MessageFollowup:
		lead.OutreachStatus = domain.OutreachSentFollowup
	}
	lead.LastContacted = &now
	lead.UpdatedAt = now
	lead.Version++
	if err := e.Repo.UpdateLead(ctx, tx, lead); err != nil {
		return m, err
	}
	if err := e.Audit.Append(ctx, tx, audit.EntityEmail, m.ID, "messenger", "send_"+m.Kind, audit.ResultSuccess, audit.Details{
		"lead_id": m.LeadID, "to": m.ToEmail,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// FailSend records a failed attempt. Below the attempt ceiling the message
// requeues with backoff; at the ceiling it goes terminal and the lead's
// outreach status becomes failed.
func (e Engine) FailSend(ctx context.Context, m domain.Message, cause string) (domain.Message, error) {
	now := e.now()
	m.Attempts++
	m.LastError = cause
	m.UpdatedAt = now.UTC().Format(time.RFC3339)

	terminal := m.Attempts >= e.Config.Outreach.MaxSendAttempts
	if terminal {
		if err := ensureMessageTransition(m.State, domain.MessageFailed); err != nil {
			return m, err
		}
		m.State = domain.MessageFailed
		m.NextAttemptAt = nil
	} else {
		if err := ensureMessageTransition(m.State, domain.MessageQueued); err != nil {
			return m, err
		}
		m.State = domain.MessageQueued
		next := now.Add(e.Config.BackoffFor(m.Attempts)).UTC().Format(time.RFC3339)
		m.NextAttemptAt = &next
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMessage(ctx, tx, m); err != nil {
		return m, err
	}
	if terminal {
		lead, err := e.Repo.GetLeadTx(ctx, tx, m.LeadID)
		if err != nil {
			return m, err
		}
		lead.OutreachStatus = domain.OutreachFailed
		lead.UpdatedAt = m.UpdatedAt
		lead.Version++
		if err := e.Repo.UpdateLead(ctx, tx, lead); err != nil {
			return m, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.EntityEmail, m.ID, "messenger", "send_"+m.Kind, audit.ResultError, audit.Details{
		"lead_id": m.LeadID, "error": cause, "attempts": m.Attempts, "terminal": terminal,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// --- shared mutation plumbing ---

func (e Engine) mutateLead(ctx context.Context, leadID, module, action, actor string, fn func(*domain.Lead) error) (domain.Lead, error) {
	return e.mutateLeadResult(ctx, leadID, module, action, actor, audit.ResultSuccess, nil, fn)
}

func (e Engine) mutateLeadResult(ctx context.Context, leadID, module, action, actor, result string, extra audit.Details, fn func(*domain.Lead) error) (domain.Lead, error) {
	return e.mutateLeadTx(ctx, leadID, module, action, actor, result, extra, func(_ *sql.Tx, l *domain.Lead) error {
		return fn(l)
	})
}

func (e Engine) mutateLeadTx(ctx context.Context, leadID, module, action, actor, result string, extra audit.Details, fn func(*sql.Tx, *domain.Lead) error) (domain.Lead, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	lead, err := e.Repo.GetLeadTx(ctx, tx, leadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Lead{}, domain.ValidationError{Field: "lead_id", Reason: fmt.Sprintf("unknown lead %s", leadID)}
		}
		return domain.Lead{}, err
	}
	before := lead.LifecycleState
	if err := fn(tx, &lead); err != nil {
		return domain.Lead{}, err
	}
	lead.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	lead.Version++
	if err := e.Repo.UpdateLead(ctx, tx, lead); err != nil {
		return domain.Lead{}, err
	}
	details := audit.Details{"actor": actor, "from_state": before, "to_state": lead.LifecycleState}
	for k, v := range extra {
		details[k] = v
	}
	if err := e.Audit.Append(ctx, tx, audit.EntityLead, lead.ID, module, action, result, details); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return lead, nil
}
