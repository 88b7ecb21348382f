package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aether/internal/activity"
	"aether/internal/agents"
	"aether/internal/domain"
)

// ProposalCreateOptions are parameters for submitting a proposal.
type ProposalCreateOptions struct {
	ProjectID  int64
	Type       string
	Title      string
	Content    string
	CreatedBy  int64
	Supersedes int64
}

func validProposalType(t string) bool {
	switch t {
	case "strategy", "design", "task_assignment":
		return true
	}
	return false
}

// CreateProposal submits work for human review. When Supersedes names
// a rejected proposal, that proposal is marked revised so a rejection
// can never be resurrected.
func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.Proposal, error) {
	if !validProposalType(opts.Type) {
		return domain.Proposal{}, fmt.Errorf("unknown proposal type %q", opts.Type)
	}
	if opts.Title == "" || opts.Content == "" {
		return domain.Proposal{}, errors.New("title and content are required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Proposal{}, err
	}
	now := e.nowStr()
	p := domain.Proposal{
		ProjectID: opts.ProjectID,
		Type:      opts.Type,
		Title:     opts.Title,
		Content:   opts.Content,
		Status:    domain.ProposalPendingReview,
		CreatedBy: opts.CreatedBy,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	if opts.Supersedes != 0 {
		prev, err := e.Repo.GetProposalTx(ctx, tx, opts.Supersedes)
		if err != nil {
			return p, err
		}
		if prev.Status != domain.ProposalRejected {
			return p, fmt.Errorf("%w: proposal %d is %s, only rejected proposals can be superseded", ErrInvalidTransition, prev.ID, prev.Status)
		}
		if err := e.Repo.MarkProposalRevised(ctx, tx, prev.ID); err != nil {
			return p, err
		}
	}
	id, err := e.Repo.InsertProposal(ctx, tx, p)
	if err != nil {
		return p, err
	}
	p.ID = id

	// A first strategy proposal moves the project out of ideation.
	if p.Type == "strategy" {
		project, err := e.Repo.GetProjectTx(ctx, tx, p.ProjectID)
		if err != nil {
			return p, err
		}
		if project.Status == domain.ProjectIdeation {
			if err := e.Repo.UpdateProjectStatus(ctx, tx, p.ProjectID, domain.ProjectStrategyReview, now); err != nil {
				return p, err
			}
		}
	}
	if err := e.logPM(ctx, tx, nil, "proposal_submitted", fmt.Sprintf("%s proposal %q submitted for review", p.Type, p.Title)); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// ReviewOutcome reports what a review changed.
type ReviewOutcome struct {
	Proposal      domain.Proposal
	ProjectStatus string
	// BreakdownErr is set when an approved strategy could not be
	// decomposed; the review itself still committed.
	BreakdownErr error
}

// Review decides a pending proposal. Approval of a strategy moves the
// project to design and triggers decomposition; approval of a
// task_assignment moves it to development. Rejection demands feedback.
func (e Engine) Review(ctx context.Context, proposalID int64, approve bool, reviewerID int64, feedback string) (ReviewOutcome, error) {
	var out ReviewOutcome
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return out, err
	}
	out.Proposal = p
	if p.Status != domain.ProposalPendingReview {
		return out, fmt.Errorf("%w: proposal %d is %s", ErrAlreadyReviewed, p.ID, p.Status)
	}
	if !approve && strings.TrimSpace(feedback) == "" {
		return out, ErrFeedbackRequired
	}

	now := e.nowStr()
	status := domain.ProposalRejected
	approvalStatus := "rejected"
	if approve {
		status = domain.ProposalApproved
		approvalStatus = "approved"
	}
	if err := e.Repo.SetProposalReview(ctx, tx, p.ID, status, reviewerID, feedback, now); err != nil {
		return out, err
	}
	approval := domain.Approval{
		UserID:     reviewerID,
		EntityType: "proposal",
		EntityID:   p.ID,
		Status:     approvalStatus,
		CreatedAt:  now,
	}
	if feedback != "" {
		approval.Comments = &feedback
	}
	if _, err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return out, err
	}

	project, err := e.Repo.GetProjectTx(ctx, tx, p.ProjectID)
	if err != nil {
		return out, err
	}
	out.ProjectStatus = project.Status
	if approve {
		if next, ok := nextProjectStatus(project.Status, p.Type); ok {
			if err := e.Repo.UpdateProjectStatus(ctx, tx, p.ProjectID, next, now); err != nil {
				return out, err
			}
			out.ProjectStatus = next
		}
	}
	if err := e.logPM(ctx, tx, nil, "proposal_reviewed", fmt.Sprintf("%s proposal %q %s", p.Type, p.Title, approvalStatus)); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}

	p.Status = status
	p.ReviewedBy = &reviewerID
	p.ReviewedAt = &now
	if feedback != "" {
		p.Feedback = &feedback
	}
	out.Proposal = p

	// Decomposition runs after the review commits so a failing model
	// call cannot undo the recorded decision.
	if approve && p.Type == "strategy" && e.LLM != nil {
		if err := e.Breakdown(ctx, p.ProjectID, p.Content); err != nil {
			out.BreakdownErr = err
			e.markPMBlocked(ctx, err)
		}
	}
	return out, nil
}

// nextProjectStatus maps an approved proposal type onto the project
// workflow. Not every approval moves the project.
func nextProjectStatus(current, proposalType string) (string, bool) {
	switch proposalType {
	case "strategy":
		if current == domain.ProjectStrategyReview || current == domain.ProjectIdeation {
			return domain.ProjectDesign, true
		}
	case "design":
		// design approval keeps the project in design until task
		// assignments are approved
	case "task_assignment":
		if current == domain.ProjectDesign {
			return domain.ProjectDevelopment, true
		}
	}
	return "", false
}

func (e Engine) markPMBlocked(ctx context.Context, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	pm, err := e.agentByRoleTx(ctx, tx, agents.ProjectManager)
	if err != nil {
		return
	}
	now := e.nowStr()
	if err := e.Repo.UpdateAgentState(ctx, tx, pm.ID, domain.AgentBlocked, pm.CurrentTaskID, now); err != nil {
		return
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		AgentID: pm.ID,
		Action:  "breakdown_failed",
		Details: cause.Error(),
	}); err != nil {
		return
	}
	_ = tx.Commit()
}
