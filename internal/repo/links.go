package repo

import (
	"context"
	"database/sql"

	"aether/internal/domain"
)

// --- task links (persisted remote identifiers for the sync loop) ---

func (r Repo) UpsertTaskLink(ctx context.Context, l domain.TaskLink) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_links(task_id,remote_id,list_id,synced_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET remote_id=excluded.remote_id, list_id=excluded.list_id, synced_at=excluded.synced_at`,
		l.TaskID, l.RemoteID, l.ListID, l.SyncedAt)
	return err
}

func (r Repo) GetTaskLink(ctx context.Context, taskID int64) (domain.TaskLink, error) {
	var l domain.TaskLink
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,remote_id,list_id,synced_at FROM task_links WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.RemoteID, &l.ListID, &l.SyncedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListTaskLinks(ctx context.Context) ([]domain.TaskLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,remote_id,list_id,synced_at FROM task_links ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskLink
	for rows.Next() {
		var l domain.TaskLink
		if err := rows.Scan(&l.TaskID, &l.RemoteID, &l.ListID, &l.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r Repo) TouchTaskLink(ctx context.Context, taskID int64, syncedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE task_links SET synced_at=? WHERE task_id=?`, syncedAt, taskID)
	return err
}

// --- export slot (single-occupancy current-task register) ---

func (r Repo) GetExportSlot(ctx context.Context, tx *sql.Tx) (domain.ExportSlot, error) {
	var s domain.ExportSlot
	var taskID sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `SELECT task_id,version,updated_at FROM export_slot WHERE id=1`).
		Scan(&taskID, &s.Version, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.TaskID = nullInt64Ptr(taskID)
	return s, err
}

// SetExportSlot occupies the register with a new task and bumps the
// version so observers can detect replacement.
func (r Repo) SetExportSlot(ctx context.Context, tx *sql.Tx, taskID int64, updatedAt string) (int64, error) {
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE export_slot SET task_id=?, version=version+1, updated_at=? WHERE id=1`, taskID, updatedAt); err != nil {
		return 0, err
	}
	var version int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT version FROM export_slot WHERE id=1`).Scan(&version)
	return version, err
}

func (r Repo) ClearExportSlot(ctx context.Context, tx *sql.Tx, updatedAt string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE export_slot SET task_id=NULL, updated_at=? WHERE id=1`, updatedAt)
	return err
}
