package repo

import (
	"context"
	"database/sql"
	"time"

	"leadline/internal/domain"
)

const messageColumns = `id,lead_id,kind,to_email,subject,body,state,attempts,last_error,next_attempt_at,created_at,updated_at,sent_at`

func scanMessage(row leadScanner) (domain.Message, error) {
	var m domain.Message
	var lastError, nextAttempt, sentAt sql.NullString
	err := row.Scan(&m.ID, &m.LeadID, &m.Kind, &m.ToEmail, &m.Subject, &m.Body, &m.State,
		&m.Attempts, &lastError, &nextAttempt, &m.CreatedAt, &m.UpdatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.LastError = lastError.String
	if nextAttempt.Valid {
		m.NextAttemptAt = &nextAttempt.String
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.String
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.LeadID, m.Kind, m.ToEmail, m.Subject, m.Body, m.State, m.Attempts,
		nullable(m.LastError), nullableStringPtr(m.NextAttemptAt), m.CreatedAt, m.UpdatedAt, nullableStringPtr(m.SentAt))
	return err
}

func (r Repo) UpdateMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `UPDATE messages SET state=?, attempts=?, last_error=?, next_attempt_at=?, updated_at=?, sent_at=? WHERE id=?`,
		m.State, m.Attempts, nullable(m.LastError), nullableStringPtr(m.NextAttemptAt), m.UpdatedAt, nullableStringPtr(m.SentAt), m.ID)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// PendingMessage returns the open message for a lead, if one exists. A lead
// has at most one message that is not in a terminal state.
func (r Repo) PendingMessage(ctx context.Context, leadID string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages
WHERE lead_id=? AND state IN (?,?) ORDER BY created_at DESC LIMIT 1`, leadID, domain.MessageQueued, domain.MessageSending))
}

func (r Repo) ListMessagesForLead(ctx context.Context, leadID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE lead_id=? ORDER BY created_at ASC`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RequeueStuckSending marks messages abandoned mid-send back to queued so a
// cancelled run leaves nothing ambiguous.
func (r Repo) RequeueStuckSending(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET state=?, updated_at=? WHERE state=?`,
		domain.MessageQueued, now.UTC().Format(time.RFC3339), domain.MessageSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- quota counters ---

func (r Repo) GetQuotaCount(ctx context.Context, window string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT sent FROM quota_counters WHERE window=?`, window).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (r Repo) IncrementQuota(ctx context.Context, window string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO quota_counters(window,sent) VALUES (?,1)
ON CONFLICT(window) DO UPDATE SET sent=sent+1`, window)
	return err
}

func (r Repo) DecrementQuota(ctx context.Context, window string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE quota_counters SET sent=sent-1 WHERE window=? AND sent>0`, window)
	return err
}
