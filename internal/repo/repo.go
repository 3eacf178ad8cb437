package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals an optimistic-concurrency failure on a lead update.
var ErrVersionConflict = errors.New("lead modified concurrently")

const leadColumns = `id,business_name,category,location,source_url,website_url,email,phone,tag,confidence,
lifecycle_state,review_status,outreach_status,analysis_attempts,archived,discovered_at,updated_at,last_contacted,version`

type leadScanner interface {
	Scan(dest ...any) error
}

func scanLead(row leadScanner) (domain.Lead, error) {
	var l domain.Lead
	var category, sourceURL, websiteURL, email, phone, tag, confidence, lastContacted sql.NullString
	var archived int
	err := row.Scan(&l.ID, &l.BusinessName, &category, &l.Location, &sourceURL, &websiteURL, &email, &phone,
		&tag, &confidence, &l.LifecycleState, &l.ReviewStatus, &l.OutreachStatus, &l.AnalysisAttempts,
		&archived, &l.DiscoveredAt, &l.UpdatedAt, &lastContacted, &l.Version)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Category = category.String
	l.SourceURL = sourceURL.String
	l.WebsiteURL = websiteURL.String
	l.Email = email.String
	l.Phone = phone.String
	l.Tag = tag.String
	l.Confidence = confidence.String
	l.Archived = archived != 0
	if lastContacted.Valid {
		l.LastContacted = &lastContacted.String
	}
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.BusinessName, nullable(l.Category), l.Location, nullable(l.SourceURL), nullable(l.WebsiteURL),
		nullable(l.Email), nullable(l.Phone), nullable(l.Tag), nullable(l.Confidence),
		l.LifecycleState, l.ReviewStatus, l.OutreachStatus, l.AnalysisAttempts, boolInt(l.Archived),
		l.DiscoveredAt, l.UpdatedAt, nullableStringPtr(l.LastContacted), l.Version)
	return err
}

// UpdateLead writes a lead guarded by its previous version. The version
// must already be incremented on the passed struct.
func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET business_name=?, category=?, location=?, source_url=?, website_url=?,
email=?, phone=?, tag=?, confidence=?, lifecycle_state=?, review_status=?, outreach_status=?, analysis_attempts=?,
archived=?, updated_at=?, last_contacted=?, version=? WHERE id=? AND version=?`,
		l.BusinessName, nullable(l.Category), l.Location, nullable(l.SourceURL), nullable(l.WebsiteURL),
		nullable(l.Email), nullable(l.Phone), nullable(l.Tag), nullable(l.Confidence),
		l.LifecycleState, l.ReviewStatus, l.OutreachStatus, l.AnalysisAttempts,
		boolInt(l.Archived), l.UpdatedAt, nullableStringPtr(l.LastContacted), l.Version, l.ID, l.Version-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

// FindLeadByIdentity looks a lead up by its dedup key.
func (r Repo) FindLeadByIdentity(ctx context.Context, tx *sql.Tx, businessName, location string) (domain.Lead, error) {
	return scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE business_name=? AND location=?`, businessName, location))
}

// FindLeadByEmail resolves the reply webhook's address to a lead.
func (r Repo) FindLeadByEmail(ctx context.Context, email string) (domain.Lead, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE email=? ORDER BY discovered_at ASC LIMIT 1`, email))
}

type LeadFilters struct {
	LifecycleState  string
	ReviewStatus    string
	OutreachStatus  string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if f.LifecycleState != "" {
		clauses = append(clauses, "lifecycle_state=?")
		args = append(args, f.LifecycleState)
	}
	if f.ReviewStatus != "" {
		clauses = append(clauses, "review_status=?")
		args = append(args, f.ReviewStatus)
	}
	if f.OutreachStatus != "" {
		clauses = append(clauses, "outreach_status=?")
		args = append(args, f.OutreachStatus)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(discovered_at < ? OR (discovered_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + leadColumns + ` FROM leads ` + where + ` ORDER BY discovered_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ListOutreachCandidates returns approved, ready leads with a message due:
// never contacted, or initial sent long enough ago for a follow-up. Oldest
// discoveries first; high confidence breaks ties within the same day.
func (r Repo) ListOutreachCandidates(ctx context.Context, followupBefore string, limit int) ([]domain.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads
WHERE lifecycle_state=? AND review_status=? AND archived=0
  AND (outreach_status=? OR (outreach_status=? AND last_contacted IS NOT NULL AND last_contacted<=?))
ORDER BY
  CASE confidence WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
  discovered_at ASC, id ASC`
	args := []any{domain.LeadReadyForOutreach, domain.ReviewApproved, domain.OutreachNotSent, domain.OutreachSentInitial, followupBefore}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountOutreachReady(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM leads WHERE lifecycle_state=? AND review_status=? AND archived=0`,
		domain.LeadReadyForOutreach, domain.ReviewApproved).Scan(&n)
	return n, err
}

// ListLeadsForAnalysis returns unarchived leads awaiting analysis: fresh
// discoveries plus failed ones eligible for a retry.
func (r Repo) ListLeadsForAnalysis(ctx context.Context, limit int) ([]domain.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE lifecycle_state IN (?,?) AND archived=0 ORDER BY discovered_at ASC, id ASC`
	args := []any{domain.LeadDiscovered, domain.LeadFailed}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLeadsByLifecycle(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT lifecycle_state, count(*) FROM leads GROUP BY lifecycle_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- agent state ---

func scanAgentStatus(row *sql.Row) (domain.AgentStatus, error) {
	var s domain.AgentStatus
	var heartbeat, currentTask, query, location, errMsg, reason sql.NullString
	err := row.Scan(&s.State, &s.PreviousState, &s.LastTransitionTime, &heartbeat, &currentTask,
		&query, &location, &errMsg, &s.ControlledBy, &reason)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if heartbeat.Valid {
		s.LastHeartbeat = &heartbeat.String
	}
	s.CurrentTask = currentTask.String
	s.DiscoveryQuery = query.String
	s.DiscoveryLocation = location.String
	s.ErrorMessage = errMsg.String
	s.Reason = reason.String
	return s, nil
}

const agentStateColumns = `state,previous_state,last_transition_time,last_heartbeat,current_task,discovery_query,discovery_location,error_message,controlled_by,reason`

func (r Repo) GetAgentStatus(ctx context.Context) (domain.AgentStatus, error) {
	return scanAgentStatus(r.DB.QueryRowContext(ctx, `SELECT `+agentStateColumns+` FROM agent_state WHERE id=1`))
}

// EnsureAgentState seeds the singleton row when absent.
func (r Repo) EnsureAgentState(ctx context.Context, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agent_state(id,state,last_transition_time,controlled_by)
VALUES (1,?,?,'system') ON CONFLICT(id) DO NOTHING`, domain.AgentIdle, now.UTC().Format(time.RFC3339))
	return err
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, s domain.AgentStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_state SET state=?, previous_state=?, last_transition_time=?,
last_heartbeat=?, current_task=?, discovery_query=?, discovery_location=?, error_message=?, controlled_by=?, reason=? WHERE id=1`,
		s.State, s.PreviousState, s.LastTransitionTime, nullableStringPtr(s.LastHeartbeat), nullable(s.CurrentTask),
		nullable(s.DiscoveryQuery), nullable(s.DiscoveryLocation), nullable(s.ErrorMessage), s.ControlledBy, nullable(s.Reason))
	return err
}

// UpdateHeartbeat refreshes liveness without touching the transition fields.
func (r Repo) UpdateHeartbeat(ctx context.Context, now time.Time, currentTask string) error {
	ts := now.UTC().Format(time.RFC3339)
	if currentTask != "" {
		_, err := r.DB.ExecContext(ctx, `UPDATE agent_state SET last_heartbeat=?, current_task=? WHERE id=1`, ts, currentTask)
		return err
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE agent_state SET last_heartbeat=? WHERE id=1`, ts)
	return err
}

// --- control log ---

func (r Repo) AppendControlLog(ctx context.Context, tx *sql.Tx, e domain.ControlLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO control_log(ts,command,previous_state,new_state,controlled_by,reason,result,error_detail)
VALUES (?,?,?,?,?,?,?,?)`,
		e.TS, e.Command, e.PreviousState, e.NewState, e.ControlledBy, nullable(e.Reason), e.Result, nullable(e.ErrorDetail))
	return err
}

func (r Repo) ListControlLog(ctx context.Context, limit int) ([]domain.ControlLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,command,previous_state,new_state,controlled_by,reason,result,error_detail
FROM control_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ControlLogEntry
	for rows.Next() {
		var e domain.ControlLogEntry
		var reason, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Command, &e.PreviousState, &e.NewState, &e.ControlledBy, &reason, &e.Result, &detail); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		e.ErrorDetail = detail.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- audit log retrieval ---

type AuditFilters struct {
	EntityType string
	EntityID   string
	Module     string
	Result     string
	Since      string
	Until      string
	Limit      int
	Cursor     int64
}

func (r Repo) ListAuditLog(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Module != "" {
		clauses = append(clauses, "module=?")
		args = append(args, f.Module)
	}
	if f.Result != "" {
		clauses = append(clauses, "result=?")
		args = append(args, f.Result)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.Until)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,entity_type,entity_id,module,action,result,details_json FROM audit_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var entityID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.EntityType, &entityID, &e.Module, &e.Action, &e.Result, &details); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.Details = details.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
