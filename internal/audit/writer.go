package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity types.
const (
	EntityLead   = "lead"
	EntityEmail  = "email"
	EntitySystem = "system"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultBlocked = "blocked"
	ResultSkipped = "skipped"
)

// Writer appends to the audit log. There is no update or delete path.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Details map[string]any

// Append inserts an audit entry inside the caller's transaction so the
// entry commits atomically with the state change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entityType, entityID, module, action, result string, details Details) error {
	ts, data, err := w.encode(details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(ts,entity_type,entity_id,module,action,result,details_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entityType, nullable(entityID), module, action, result, data)
	return err
}

// AppendDirect inserts an audit entry outside any transaction, for callers
// like the task runner that record failures of work that did not commit.
func (w Writer) AppendDirect(ctx context.Context, entityType, entityID, module, action, result string, details Details) error {
	ts, data, err := w.encode(details)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,entity_type,entity_id,module,action,result,details_json) VALUES (?,?,?,?,?,?,?)`,
		ts, entityType, nullable(entityID), module, action, result, data)
	return err
}

func (w Writer) encode(details Details) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", "", fmt.Errorf("marshal audit details: %w", err)
	}
	return ts, string(data), nil
}

// CountErrorsSince returns audit entries with result=error newer than the cutoff.
func (w Writer) CountErrorsSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := w.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_log WHERE result=? AND ts>=?`,
		ResultError, cutoff.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
