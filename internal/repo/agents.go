package repo

import (
	"context"
	"database/sql"

	"aether/internal/domain"
)

const agentCols = `id,name,role,specialization,status,current_task_id,created_at,updated_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var spec sql.NullString
	var taskID sql.NullInt64
	err := scan(&a.ID, &a.Name, &a.Role, &spec, &a.Status, &taskID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if spec.Valid {
		a.Specialization = spec.String
	}
	a.CurrentTaskID = nullInt64Ptr(taskID)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(name,role,specialization,status,current_task_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.Name, a.Role, nullable(a.Specialization), a.Status, nullableInt64Ptr(a.CurrentTaskID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentByRole(ctx context.Context, role string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE role=?`, role)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgentState mutates status and current task together so the
// status/current-task invariant cannot be split across writes.
func (r Repo) UpdateAgentState(ctx context.Context, tx *sql.Tx, id int64, status string, currentTaskID *int64, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET status=?, current_task_id=?, updated_at=? WHERE id=?`,
		status, nullableInt64Ptr(currentTaskID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
