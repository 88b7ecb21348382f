package activity

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends activity-log rows inside the caller's transaction so
// a failed log write rolls the whole mutation back.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	AgentID    int64
	TaskID     *int64
	Action     string
	Details    string
	ToolCalled string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_logs(agent_id,task_id,action,details,tool_called,created_at) VALUES (?,?,?,?,?,?)`,
		e.AgentID, nullableInt64Ptr(e.TaskID), e.Action, nullable(e.Details), nullable(e.ToolCalled), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
