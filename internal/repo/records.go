package repo

import (
	"context"
	"database/sql"

	"aether/internal/domain"
)

// --- approvals (append-only) ---

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(user_id,entity_type,entity_id,status,comments,created_at) VALUES (?,?,?,?,?,?)`,
		a.UserID, a.EntityType, a.EntityID, a.Status, nullableStringPtr(a.Comments), a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListApprovals(ctx context.Context, entityType string, entityID int64) ([]domain.Approval, error) {
	query := `SELECT id,user_id,entity_type,entity_id,status,comments,created_at FROM approvals`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type=?`
		args = append(args, entityType)
		if entityID != 0 {
			query += ` AND entity_id=?`
			args = append(args, entityID)
		}
	}
	query += ` ORDER BY id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var comments sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.EntityType, &a.EntityID, &a.Status, &comments, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Comments = nullStringPtr(comments)
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- activity logs (append-only; writes go through activity.Writer) ---

func (r Repo) ListActivity(ctx context.Context, agentID int64, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,agent_id,task_id,action,details,tool_called,created_at FROM activity_logs`
	var args []any
	if agentID != 0 {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		var l domain.ActivityLog
		var taskID sql.NullInt64
		var details, tool sql.NullString
		if err := rows.Scan(&l.ID, &l.AgentID, &taskID, &l.Action, &details, &tool, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.TaskID = nullInt64Ptr(taskID)
		l.Details = nullStringPtr(details)
		l.ToolCalled = nullStringPtr(tool)
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- knowledge (append-only, latest row per key wins) ---

func (r Repo) InsertKnowledge(ctx context.Context, tx *sql.Tx, k domain.Knowledge) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO knowledge(project_id,key,value,source,created_at) VALUES (?,?,?,?,?)`,
		k.ProjectID, k.Key, k.Value, nullable(k.Source), k.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestKnowledge returns the newest value for a key, or ErrNotFound.
func (r Repo) LatestKnowledge(ctx context.Context, projectID int64, key string) (domain.Knowledge, error) {
	var k domain.Knowledge
	var source sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,key,value,source,created_at FROM knowledge WHERE project_id=? AND key=? ORDER BY id DESC LIMIT 1`, projectID, key).
		Scan(&k.ID, &k.ProjectID, &k.Key, &k.Value, &source, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	if source.Valid {
		k.Source = source.String
	}
	return k, err
}

func (r Repo) ListKnowledge(ctx context.Context, projectID int64) ([]domain.Knowledge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,key,value,source,created_at FROM knowledge WHERE project_id=? ORDER BY id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Knowledge
	for rows.Next() {
		var k domain.Knowledge
		var source sql.NullString
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Key, &k.Value, &source, &k.CreatedAt); err != nil {
			return nil, err
		}
		if source.Valid {
			k.Source = source.String
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

// --- deliverables (read-only to the core) ---

func (r Repo) InsertDeliverable(ctx context.Context, d domain.Deliverable) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO deliverables(task_id,agent_id,type,name,url,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.TaskID, d.AgentID, d.Type, d.Name, d.URL, nullableStringPtr(d.Description), d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListDeliverables(ctx context.Context, taskID int64) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,agent_id,type,name,url,description,created_at FROM deliverables WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		var desc sql.NullString
		if err := rows.Scan(&d.ID, &d.TaskID, &d.AgentID, &d.Type, &d.Name, &d.URL, &desc, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Description = nullStringPtr(desc)
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- attachments ---

func (r Repo) InsertAttachment(ctx context.Context, a domain.Attachment) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO attachments(project_id,file_name,file_size,mime_type,file_key,file_url,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ProjectID, a.FileName, a.FileSize, a.MimeType, a.FileKey, a.FileURL, a.UploadedBy, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAttachment(ctx context.Context, id int64) (domain.Attachment, error) {
	var a domain.Attachment
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,file_name,file_size,mime_type,file_key,file_url,uploaded_by,created_at FROM attachments WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.FileName, &a.FileSize, &a.MimeType, &a.FileKey, &a.FileURL, &a.UploadedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAttachments(ctx context.Context, projectID int64) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,file_name,file_size,mime_type,file_key,file_url,uploaded_by,created_at FROM attachments WHERE project_id=? ORDER BY id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.FileName, &a.FileSize, &a.MimeType, &a.FileKey, &a.FileURL, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAttachment(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM attachments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
