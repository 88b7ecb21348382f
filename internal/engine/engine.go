package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aether/internal/activity"
	"aether/internal/agents"
	"aether/internal/config"
	"aether/internal/domain"
	"aether/internal/llm"
	"aether/internal/repo"
)

// Engine holds the mutation paths for projects, proposals, tasks and
// agents. Every mutation runs in one transaction and appends an
// activity-log row before commit.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Config   *config.Config
	LLM      llm.Client
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// SeedAgents inserts the built-in agent team. Roles already present
// are left untouched so the call is idempotent.
func (e Engine) SeedAgents(ctx context.Context) ([]domain.Agent, error) {
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, p := range agents.Seeds() {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT count(*) FROM agents WHERE role=?`, string(p.Role)).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if exists > 0 {
			continue
		}
		a := domain.Agent{
			Name:           p.Name,
			Role:           string(p.Role),
			Specialization: p.Specialization,
			Status:         domain.AgentIdle,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if _, err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", p.Role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListAgents(ctx)
}

// CreateProject registers a new project in ideation.
func (e Engine) CreateProject(ctx context.Context, name, description string, createdBy int64) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	now := e.nowStr()
	p := domain.Project{
		Name:        name,
		Description: description,
		Status:      domain.ProjectIdeation,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertProject(ctx, tx, p)
	if err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	p.ID = id
	if err := e.logPM(ctx, tx, nil, "project_created", fmt.Sprintf("project %q created", p.Name)); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ModuleID     int64
	Title        string
	Description  string
	Requirements string
	DependsOn    []int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetModule(ctx, opts.ModuleID); err != nil {
		return domain.Task{}, err
	}
	now := e.nowStr()
	t := domain.Task{
		ModuleID:     opts.ModuleID,
		Title:        opts.Title,
		Description:  opts.Description,
		Requirements: opts.Requirements,
		Status:       domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return t, err
	}
	t.ID = id
	for _, dep := range opts.DependsOn {
		if err := e.Repo.AddDependency(ctx, tx, t.ID, dep); err != nil {
			return t, err
		}
	}
	if err := e.logPM(ctx, tx, &t.ID, "task_created", fmt.Sprintf("task %q created", t.Title)); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// Assign hands a task to an agent. Only pending and blocked tasks can
// be assigned, the project must be in development, and an agent can
// hold at most one active task.
func (e Engine) Assign(ctx context.Context, taskID, agentID int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskBlocked {
		return t, fmt.Errorf("%w: cannot assign task in status %s", ErrInvalidTransition, t.Status)
	}
	projectID, err := e.Repo.ProjectIDForTask(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	project, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return t, err
	}
	if project.Status != domain.ProjectDevelopment {
		return t, fmt.Errorf("%w: project %s is in %s, not development", ErrInvalidTransition, project.Name, project.Status)
	}
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return t, err
	}
	active, err := e.Repo.ActiveTaskForAgent(ctx, tx, agentID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	if err == nil && active.ID != taskID {
		return t, fmt.Errorf("%w: agent %s holds task %d", ErrAgentBusy, agent.Name, active.ID)
	}
	// A blocked agent still owns its blocked task; only that task may
	// be handed back to them.
	if agent.Status != domain.AgentIdle && (agent.CurrentTaskID == nil || *agent.CurrentTaskID != taskID) {
		return t, fmt.Errorf("%w: agent %s is %s", ErrAgentBusy, agent.Name, agent.Status)
	}

	now := e.nowStr()
	t.Status = domain.TaskAssigned
	t.AssignedAgentID = &agentID
	t.BlockerReason = nil
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Repo.UpdateAgentState(ctx, tx, agentID, domain.AgentWorking, &taskID, now); err != nil {
		return t, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		AgentID: agentID,
		TaskID:  &taskID,
		Action:  "task_assigned",
		Details: fmt.Sprintf("assigned task %q", t.Title),
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ReportProgress records work on an assigned or in-progress task. The
// first report moves the task to in_progress.
func (e Engine) ReportProgress(ctx context.Context, taskID int64, percentage int, note string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskInProgress {
		return t, fmt.Errorf("%w: cannot report progress on task in status %s", ErrInvalidTransition, t.Status)
	}
	if t.AssignedAgentID == nil {
		return t, fmt.Errorf("%w: task has no assigned agent", ErrInvalidTransition)
	}
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	t.Status = domain.TaskInProgress
	t.ProgressPercentage = percentage
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	details := fmt.Sprintf("progress %d%%", percentage)
	if note != "" {
		details += ": " + note
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		AgentID: *t.AssignedAgentID,
		TaskID:  &taskID,
		Action:  "progress_reported",
		Details: details,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Complete marks an in-progress task finished and releases its agent.
func (e Engine) Complete(ctx context.Context, taskID int64, summary string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskInProgress {
		return t, fmt.Errorf("%w: cannot complete task in status %s", ErrInvalidTransition, t.Status)
	}
	agentID := t.AssignedAgentID
	now := e.nowStr()
	t.Status = domain.TaskCompleted
	t.ProgressPercentage = 100
	t.UpdatedAt = now
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if agentID != nil {
		if err := e.Repo.UpdateAgentState(ctx, tx, *agentID, domain.AgentIdle, nil, now); err != nil {
			return t, err
		}
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			AgentID: *agentID,
			TaskID:  &taskID,
			Action:  "task_completed",
			Details: summary,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Block parks a task with a reason. The agent keeps the task reference
// so the blocker can be resolved and work resumed.
func (e Engine) Block(ctx context.Context, taskID int64, reason string) (domain.Task, error) {
	if reason == "" {
		return domain.Task{}, errors.New("blocker reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskApproved {
		return t, fmt.Errorf("%w: cannot block an approved task", ErrInvalidTransition)
	}
	now := e.nowStr()
	t.Status = domain.TaskBlocked
	t.BlockerReason = &reason
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if t.AssignedAgentID != nil {
		if err := e.Repo.UpdateAgentState(ctx, tx, *t.AssignedAgentID, domain.AgentBlocked, &taskID, now); err != nil {
			return t, err
		}
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			AgentID: *t.AssignedAgentID,
			TaskID:  &taskID,
			Action:  "task_blocked",
			Details: reason,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ApproveTask records human sign-off on a completed task. When it was
// the last unapproved task the project advances to testing.
func (e Engine) ApproveTask(ctx context.Context, taskID, userID int64, comments string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskCompleted {
		return t, fmt.Errorf("%w: cannot approve task in status %s", ErrInvalidTransition, t.Status)
	}
	now := e.nowStr()
	t.Status = domain.TaskApproved
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	approval := domain.Approval{
		UserID:     userID,
		EntityType: "task",
		EntityID:   taskID,
		Status:     "approved",
		CreatedAt:  now,
	}
	if comments != "" {
		approval.Comments = &comments
	}
	if _, err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return t, err
	}

	projectID, err := e.Repo.ProjectIDForTask(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	remaining, err := e.Repo.CountUnapprovedTasks(ctx, tx, projectID)
	if err != nil {
		return t, err
	}
	if remaining == 0 {
		project, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return t, err
		}
		if project.Status == domain.ProjectDevelopment {
			if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, domain.ProjectTesting, now); err != nil {
				return t, err
			}
			if err := e.logPM(ctx, tx, nil, "project_phase_changed", "all tasks approved, project moved to testing"); err != nil {
				return t, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// SignOff records QA validation of a project in testing and moves it
// to deployed.
func (e Engine) SignOff(ctx context.Context, projectID, userID int64, comments string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	project, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return project, err
	}
	if project.Status != domain.ProjectTesting {
		return project, fmt.Errorf("%w: cannot sign off project in %s", ErrInvalidTransition, project.Status)
	}
	now := e.nowStr()
	if err := e.Repo.UpdateProjectStatus(ctx, tx, projectID, domain.ProjectDeployed, now); err != nil {
		return project, err
	}
	approval := domain.Approval{
		UserID:     userID,
		EntityType: "deliverable",
		EntityID:   projectID,
		Status:     "approved",
		CreatedAt:  now,
	}
	if comments != "" {
		approval.Comments = &comments
	}
	if _, err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return project, err
	}
	qa, err := e.agentByRoleTx(ctx, tx, agents.QA)
	if err == nil {
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			AgentID: qa.ID,
			Action:  "project_signed_off",
			Details: fmt.Sprintf("project %q validated and deployed", project.Name),
		}); err != nil {
			return project, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return project, err
	}
	if err := tx.Commit(); err != nil {
		return project, err
	}
	project.Status = domain.ProjectDeployed
	project.UpdatedAt = now
	return project, nil
}

// AddKnowledge appends a fact to the project knowledge base.
func (e Engine) AddKnowledge(ctx context.Context, k domain.Knowledge) (domain.Knowledge, error) {
	if k.Key == "" || k.Value == "" {
		return k, errors.New("key and value are required")
	}
	if _, err := e.Repo.GetProject(ctx, k.ProjectID); err != nil {
		return k, err
	}
	k.CreatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return k, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertKnowledge(ctx, tx, k)
	if err != nil {
		return k, err
	}
	k.ID = id
	if err := tx.Commit(); err != nil {
		return k, err
	}
	return k, nil
}

// logPM appends an activity row attributed to the project-manager
// agent. Before agents are seeded the row is skipped.
func (e Engine) logPM(ctx context.Context, tx *sql.Tx, taskID *int64, action, details string) error {
	pm, err := e.agentByRoleTx(ctx, tx, agents.ProjectManager)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Activity.Append(ctx, tx, activity.Entry{
		AgentID: pm.ID,
		TaskID:  taskID,
		Action:  action,
		Details: details,
	})
}

func (e Engine) agentByRoleTx(ctx context.Context, tx *sql.Tx, role agents.Role) (domain.Agent, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,role,COALESCE(specialization,''),status,current_task_id,created_at,updated_at FROM agents WHERE role=?`, string(role))
	var a domain.Agent
	var taskID sql.NullInt64
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Specialization, &a.Status, &taskID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, repo.ErrNotFound
	}
	if taskID.Valid {
		v := taskID.Int64
		a.CurrentTaskID = &v
	}
	return a, err
}
