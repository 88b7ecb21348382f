package repo

import (
	"context"
	"database/sql"

	"aether/internal/domain"
)

const proposalCols = `id,project_id,proposal_type,title,content,status,created_by,reviewed_by,feedback,created_at,reviewed_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var reviewedBy sql.NullInt64
	var feedback, reviewedAt sql.NullString
	err := scan(&p.ID, &p.ProjectID, &p.Type, &p.Title, &p.Content, &p.Status, &p.CreatedBy, &reviewedBy, &feedback, &p.CreatedAt, &reviewedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ReviewedBy = nullInt64Ptr(reviewedBy)
	p.Feedback = nullStringPtr(feedback)
	p.ReviewedAt = nullStringPtr(reviewedAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(project_id,proposal_type,title,content,status,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ProjectID, p.Type, p.Title, p.Content, p.Status, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProposal(ctx context.Context, id int64) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) ListProposals(ctx context.Context, projectID int64, status string) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalCols + ` FROM proposals`
	var clauses []string
	var args []any
	if projectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetProposalReview records a review outcome. Content is never touched.
func (r Repo) SetProposalReview(ctx context.Context, tx *sql.Tx, id int64, status string, reviewedBy int64, feedback, reviewedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status=?, reviewed_by=?, feedback=?, reviewed_at=? WHERE id=?`,
		status, reviewedBy, nullable(feedback), reviewedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProposalRevised supersedes a rejected proposal when a successor
// referencing its feedback is submitted.
func (r Repo) MarkProposalRevised(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status='revised' WHERE id=? AND status='rejected'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
