package repo

import (
	"context"
	"database/sql"
	"errors"

	"aether/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrDependencyCycle = errors.New("dependency cycle")
)

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can
// run inside or outside a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,email,role,created_at) VALUES (?,?,?,?)`,
		u.Name, u.Email, u.Role, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(name,description,status,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.Name, nullable(p.Description), p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

const projectCols = `id,name,description,status,created_by,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStatus mutates status only; the workflow machine is the
// sole caller.
func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id int64, status, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- subsystems / modules ---

func (r Repo) InsertSubsystem(ctx context.Context, tx *sql.Tx, s domain.Subsystem) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO subsystems(project_id,name,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ProjectID, s.Name, nullable(s.Description), s.Status, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListSubsystems(ctx context.Context, projectID int64) ([]domain.Subsystem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,description,status,created_at,updated_at FROM subsystems WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subsystem
	for rows.Next() {
		var s domain.Subsystem
		var desc sql.NullString
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &desc, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			s.Description = desc.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertModule(ctx context.Context, tx *sql.Tx, m domain.Module) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO modules(subsystem_id,name,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		m.SubsystemID, m.Name, nullable(m.Description), m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListModules(ctx context.Context, subsystemID int64) ([]domain.Module, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,subsystem_id,name,description,status,created_at,updated_at FROM modules WHERE subsystem_id=? ORDER BY id`, subsystemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Module
	for rows.Next() {
		var m domain.Module
		var desc sql.NullString
		if err := rows.Scan(&m.ID, &m.SubsystemID, &m.Name, &desc, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			m.Description = desc.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetModule(ctx context.Context, id int64) (domain.Module, error) {
	var m domain.Module
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,subsystem_id,name,description,status,created_at,updated_at FROM modules WHERE id=?`, id).
		Scan(&m.ID, &m.SubsystemID, &m.Name, &desc, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if desc.Valid {
		m.Description = desc.String
	}
	return m, err
}

// ProjectIDForTask resolves a task to its owning project through the
// module/subsystem chain.
func (r Repo) ProjectIDForTask(ctx context.Context, tx *sql.Tx, taskID int64) (int64, error) {
	var projectID int64
	err := r.q(tx).QueryRowContext(ctx, `
		SELECT s.project_id FROM tasks t
		JOIN modules m ON m.id = t.module_id
		JOIN subsystems s ON s.id = m.subsystem_id
		WHERE t.id=?`, taskID).Scan(&projectID)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return projectID, err
}
