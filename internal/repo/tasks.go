package repo

import (
	"context"
	"database/sql"

	"aether/internal/domain"
)

const taskCols = `id,module_id,title,description,requirements,status,assigned_agent_id,progress_percentage,blocker_reason,created_at,updated_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, req, blocker, completed sql.NullString
	var agentID sql.NullInt64
	err := scan(&t.ID, &t.ModuleID, &t.Title, &desc, &req, &t.Status, &agentID, &t.ProgressPercentage, &blocker, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if req.Valid {
		t.Requirements = req.String
	}
	t.AssignedAgentID = nullInt64Ptr(agentID)
	t.BlockerReason = nullStringPtr(blocker)
	t.CompletedAt = nullStringPtr(completed)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(module_id,title,description,requirements,status,assigned_agent_id,progress_percentage,blocker_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ModuleID, t.Title, nullable(t.Description), nullable(t.Requirements), t.Status,
		nullableInt64Ptr(t.AssignedAgentID), t.ProgressPercentage, nullableStringPtr(t.BlockerReason),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, requirements=?, status=?, assigned_agent_id=?, progress_percentage=?, blocker_reason=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), nullable(t.Requirements), t.Status,
		nullableInt64Ptr(t.AssignedAgentID), t.ProgressPercentage, nullableStringPtr(t.BlockerReason),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.getTask(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	deps, err := r.listTaskDependencies(ctx, tx, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

type TaskFilters struct {
	ProjectID int64
	ModuleID  int64
	Status    string
	AgentID   int64
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT t.id,t.module_id,t.title,t.description,t.requirements,t.status,t.assigned_agent_id,t.progress_percentage,t.blocker_reason,t.created_at,t.updated_at,t.completed_at FROM tasks t`
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		query += ` JOIN modules m ON m.id=t.module_id JOIN subsystems s ON s.id=m.subsystem_id`
		clauses = append(clauses, "s.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ModuleID != 0 {
		clauses = append(clauses, "t.module_id=?")
		args = append(args, f.ModuleID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.AgentID != 0 {
		clauses = append(clauses, "t.assigned_agent_id=?")
		args = append(args, f.AgentID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY t.id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksByStatuses returns tasks in any of the given statuses, used
// by the sync loop to pick up open work.
func (r Repo) ListTasksByStatuses(ctx context.Context, statuses ...string) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE status IN (?`
	args := []any{statuses[0]}
	for _, s := range statuses[1:] {
		query += ",?"
		args = append(args, s)
	}
	query += `) ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTaskForAgent returns the task an agent currently holds in an
// active status, or ErrNotFound.
func (r Repo) ActiveTaskForAgent(ctx context.Context, tx *sql.Tx, agentID int64) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE assigned_agent_id=? AND status IN ('assigned','in_progress') LIMIT 1`, agentID)
	return scanTask(row.Scan)
}

// CountUnapprovedTasks counts a project's tasks not yet approved.
func (r Repo) CountUnapprovedTasks(ctx context.Context, tx *sql.Tx, projectID int64) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `
		SELECT count(*) FROM tasks t
		JOIN modules m ON m.id=t.module_id
		JOIN subsystems s ON s.id=m.subsystem_id
		WHERE s.project_id=? AND t.status != 'approved'`, projectID).Scan(&n)
	return n, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT t.status, count(*) FROM tasks t
		JOIN modules m ON m.id=t.module_id
		JOIN subsystems s ON s.id=m.subsystem_id
		WHERE s.project_id=? GROUP BY t.status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) listTaskDependencies(ctx context.Context, tx *sql.Tx, taskID int64) ([]int64, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	return r.listTaskDependencies(ctx, nil, taskID)
}

// AddDependency inserts a dependency edge. Edges that would close a
// cycle are rejected.
func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn int64) error {
	reachable, err := r.dependencyReaches(ctx, tx, dependsOn, taskID)
	if err != nil {
		return err
	}
	if reachable || taskID == dependsOn {
		return ErrDependencyCycle
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id, depends_on_task_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

// dependencyReaches walks the edge set checking whether target is
// reachable from start.
func (r Repo) dependencyReaches(ctx context.Context, tx *sql.Tx, start, target int64) (bool, error) {
	seen := map[int64]bool{}
	frontier := []int64{start}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		deps, err := r.listTaskDependencies(ctx, tx, cur)
		if err != nil {
			return false, err
		}
		frontier = append(frontier, deps...)
	}
	return false, nil
}
