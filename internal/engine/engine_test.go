package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"aether/internal/config"
	"aether/internal/db"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/llm"
	"aether/internal/migrate"
	"aether/internal/repo"
)

// scriptedModel answers every prompt with a canned reply.
type scriptedModel struct {
	reply string
	err   error
}

func (m scriptedModel) Generate(ctx context.Context, msgs []llm.Message, schema json.RawMessage) (string, error) {
	return m.reply, m.err
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(dir))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedProject creates a project with one subsystem and module, moved to
// the given status.
func seedProject(t *testing.T, env testEnv, status string) (domain.Project, domain.Module) {
	t.Helper()
	e := env.Engine
	p, err := e.CreateProject(env.Ctx, "Orbit", "a test project", 1)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	now := "2024-01-01T00:00:00Z"
	subID, err := e.Repo.InsertSubsystem(env.Ctx, nil, domain.Subsystem{
		ProjectID: p.ID, Name: "core", Status: "planned", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("insert subsystem: %v", err)
	}
	modID, err := e.Repo.InsertModule(env.Ctx, nil, domain.Module{
		SubsystemID: subID, Name: "api", Status: "planned", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("insert module: %v", err)
	}
	if status != domain.ProjectIdeation {
		if err := e.Repo.UpdateProjectStatus(env.Ctx, nil, p.ID, status, now); err != nil {
			t.Fatalf("set project status: %v", err)
		}
		p.Status = status
	}
	m, err := e.Repo.GetModule(env.Ctx, modID)
	if err != nil {
		t.Fatalf("get module: %v", err)
	}
	return p, m
}

func seedAgents(t *testing.T, env testEnv) []domain.Agent {
	t.Helper()
	items, err := env.Engine.SeedAgents(env.Ctx)
	if err != nil {
		t.Fatalf("seed agents: %v", err)
	}
	return items
}

func agentByRole(t *testing.T, items []domain.Agent, role string) domain.Agent {
	t.Helper()
	for _, a := range items {
		if a.Role == role {
			return a
		}
	}
	t.Fatalf("no agent with role %s", role)
	return domain.Agent{}
}

func TestSeedAgentsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := seedAgents(t, env)
	if len(first) != 8 {
		t.Fatalf("expected 8 agents, got %d", len(first))
	}
	second := seedAgents(t, env)
	if len(second) != 8 {
		t.Fatalf("second seed changed the team: %d agents", len(second))
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	backend := agentByRole(t, team, "backend")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ModuleID: m.ID, Title: "build endpoint",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("new task status = %s", task.Status)
	}

	task, err = env.Engine.Assign(env.Ctx, task.ID, backend.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.Status != domain.TaskAssigned {
		t.Fatalf("status after assign = %s", task.Status)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, backend.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentWorking || a.CurrentTaskID == nil || *a.CurrentTaskID != task.ID {
		t.Fatalf("agent not working on task: %+v", a)
	}

	task, err = env.Engine.ReportProgress(env.Ctx, task.ID, 40, "halfway-ish")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if task.Status != domain.TaskInProgress || task.ProgressPercentage != 40 {
		t.Fatalf("after progress: %+v", task)
	}

	task, err = env.Engine.Complete(env.Ctx, task.ID, "done")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.TaskCompleted || task.ProgressPercentage != 100 || task.CompletedAt == nil {
		t.Fatalf("after complete: %+v", task)
	}
	a, _ = env.Engine.Repo.GetAgent(env.Ctx, backend.ID)
	if a.Status != domain.AgentIdle || a.CurrentTaskID != nil {
		t.Fatalf("agent not released: %+v", a)
	}

	// completing twice is refused
	if _, err := env.Engine.Complete(env.Ctx, task.ID, ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("double complete: %v", err)
	}

	task, err = env.Engine.ApproveTask(env.Ctx, task.ID, 1, "ship it")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.TaskApproved {
		t.Fatalf("after approve: %s", task.Status)
	}
}

func TestAssignRequiresDevelopment(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDesign)
	team := seedAgents(t, env)
	backend := agentByRole(t, team, "backend")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "too early"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, task.ID, backend.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOneActiveTaskPerAgent(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	backend := agentByRole(t, team, "backend")

	first, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, first.ID, backend.ID); err != nil {
		t.Fatalf("assign first: %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, second.ID, backend.ID); !errors.Is(err, engine.ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy, got %v", err)
	}
	// re-assigning the held task is not a conflict
	if _, err := env.Engine.Assign(env.Ctx, first.ID, backend.ID); err != nil {
		t.Fatalf("re-assign held task: %v", err)
	}
}

func TestBlockKeepsAgentReference(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	frontend := agentByRole(t, team, "frontend")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "stuck"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, task.ID, frontend.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Block(env.Ctx, task.ID, ""); err == nil {
		t.Fatal("block without reason should fail")
	}
	task, err = env.Engine.Block(env.Ctx, task.ID, "waiting on design")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if task.Status != domain.TaskBlocked || task.BlockerReason == nil || *task.BlockerReason != "waiting on design" {
		t.Fatalf("after block: %+v", task)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, frontend.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentBlocked || a.CurrentTaskID == nil || *a.CurrentTaskID != task.ID {
		t.Fatalf("blocked agent lost its task: %+v", a)
	}

	// blocked tasks re-enter through assignment, clearing the reason
	task, err = env.Engine.Assign(env.Ctx, task.ID, frontend.ID)
	if err != nil {
		t.Fatalf("re-assign blocked: %v", err)
	}
	if task.Status != domain.TaskAssigned || task.BlockerReason != nil {
		t.Fatalf("after re-assign: %+v", task)
	}
}

func TestBlockedAgentRefusesNewTask(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	qa := agentByRole(t, team, "qa")

	stuck, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "stuck"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, stuck.ID, qa.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Block(env.Ctx, stuck.ID, "waiting on fixture data"); err != nil {
		t.Fatal(err)
	}

	other, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, other.ID, qa.ID); !errors.Is(err, engine.ErrAgentBusy) {
		t.Fatalf("blocked agent took a new task: %v", err)
	}
	a, err := env.Engine.Repo.GetAgent(env.Ctx, qa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentBlocked || a.CurrentTaskID == nil || *a.CurrentTaskID != stuck.ID {
		t.Fatalf("agent state changed by refused assign: %+v", a)
	}

	// handing the blocked task back to its own agent is still allowed
	if _, err := env.Engine.Assign(env.Ctx, stuck.ID, qa.ID); err != nil {
		t.Fatalf("re-assign own blocked task: %v", err)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)

	a, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "b", DependsOn: []int64{a.ID}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "c", DependsOn: []int64{b.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AddDependency(env.Ctx, nil, a.ID, b.ID); !errors.Is(err, repo.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestProposalGate(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedProject(t, env, domain.ProjectIdeation)
	seedAgents(t, env)

	prop, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		ProjectID: p.ID, Type: "strategy", Title: "v1 strategy", Content: "build the thing", CreatedBy: 1,
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	project, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.ProjectStrategyReview {
		t.Fatalf("first strategy proposal should move to strategy_review, got %s", project.Status)
	}

	// rejection without feedback is refused
	if _, err := env.Engine.Review(env.Ctx, prop.ID, false, 1, ""); !errors.Is(err, engine.ErrFeedbackRequired) {
		t.Fatalf("expected ErrFeedbackRequired, got %v", err)
	}

	out, err := env.Engine.Review(env.Ctx, prop.ID, false, 1, "needs more detail")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Proposal.Status != domain.ProposalRejected {
		t.Fatalf("after reject: %s", out.Proposal.Status)
	}
	if out.ProjectStatus != domain.ProjectStrategyReview {
		t.Fatalf("rejection moved the project: %s", out.ProjectStatus)
	}

	// a decided proposal cannot be re-reviewed
	if _, err := env.Engine.Review(env.Ctx, prop.ID, true, 1, ""); !errors.Is(err, engine.ErrAlreadyReviewed) {
		t.Fatalf("expected ErrAlreadyReviewed, got %v", err)
	}

	// revision supersedes the rejection
	rev, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		ProjectID: p.ID, Type: "strategy", Title: "v2 strategy", Content: "build it better",
		CreatedBy: 1, Supersedes: prop.ID,
	})
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	old, err := env.Engine.Repo.GetProposal(env.Ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.ProposalRevised {
		t.Fatalf("superseded proposal status = %s", old.Status)
	}

	// only rejected proposals can be superseded
	if _, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		ProjectID: p.ID, Type: "strategy", Title: "v3", Content: "x", CreatedBy: 1, Supersedes: rev.ID,
	}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("superseding a pending proposal: %v", err)
	}

	out, err = env.Engine.Review(env.Ctx, rev.ID, true, 1, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.ProjectStatus != domain.ProjectDesign {
		t.Fatalf("approved strategy should move to design, got %s", out.ProjectStatus)
	}

	// approved task_assignment moves design to development
	ta, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		ProjectID: p.ID, Type: "task_assignment", Title: "assignments", Content: "who does what", CreatedBy: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err = env.Engine.Review(env.Ctx, ta.ID, true, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if out.ProjectStatus != domain.ProjectDevelopment {
		t.Fatalf("approved task_assignment should move to development, got %s", out.ProjectStatus)
	}
}

func TestReviewWhitespaceFeedback(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedProject(t, env, domain.ProjectIdeation)
	seedAgents(t, env)

	prop, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		ProjectID: p.ID, Type: "strategy", Title: "v1", Content: "build it", CreatedBy: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Review(env.Ctx, prop.ID, false, 1, "   "); !errors.Is(err, engine.ErrFeedbackRequired) {
		t.Fatalf("whitespace feedback accepted: %v", err)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProposalPendingReview {
		t.Fatalf("refused review changed the proposal: %s", got.Status)
	}
}

func TestAnalyzeProjectStoresStrategy(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedProject(t, env, domain.ProjectIdeation)
	seedAgents(t, env)
	env.Engine.LLM = scriptedModel{reply: "phase one: discovery"}

	prop, err := env.Engine.AnalyzeProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if prop.Type != "strategy" || prop.Status != domain.ProposalPendingReview {
		t.Fatalf("drafted proposal: %+v", prop)
	}
	k, err := env.Engine.Repo.LatestKnowledge(env.Ctx, p.ID, "approved_strategy")
	if err != nil {
		t.Fatalf("strategy not stored: %v", err)
	}
	if k.Value != "phase one: discovery" {
		t.Fatalf("stored strategy = %q", k.Value)
	}
}

func TestAllTasksApprovedMovesToTesting(t *testing.T) {
	env := newTestEnv(t)
	p, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	backend := agentByRole(t, team, "backend")
	devops := agentByRole(t, team, "devops")

	finish := func(agentID int64, title string) domain.Task {
		t.Helper()
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: title})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Assign(env.Ctx, task.ID, agentID); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.ReportProgress(env.Ctx, task.ID, 100, ""); err != nil {
			t.Fatal(err)
		}
		task, err = env.Engine.Complete(env.Ctx, task.ID, "")
		if err != nil {
			t.Fatal(err)
		}
		return task
	}

	one := finish(backend.ID, "one")
	two := finish(devops.ID, "two")

	if _, err := env.Engine.ApproveTask(env.Ctx, one.ID, 1, ""); err != nil {
		t.Fatal(err)
	}
	project, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if project.Status != domain.ProjectDevelopment {
		t.Fatalf("project advanced early: %s", project.Status)
	}

	if _, err := env.Engine.ApproveTask(env.Ctx, two.ID, 1, ""); err != nil {
		t.Fatal(err)
	}
	project, _ = env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if project.Status != domain.ProjectTesting {
		t.Fatalf("last approval should move to testing, got %s", project.Status)
	}

	project, err := env.Engine.SignOff(env.Ctx, p.ID, 1, "all good")
	if err != nil {
		t.Fatalf("sign off: %v", err)
	}
	if project.Status != domain.ProjectDeployed {
		t.Fatalf("after sign off: %s", project.Status)
	}

	// sign-off is only valid from testing
	if _, err := env.Engine.SignOff(env.Ctx, p.ID, 1, ""); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("double sign off: %v", err)
	}
}

func TestProgressClamping(t *testing.T) {
	env := newTestEnv(t)
	_, m := seedProject(t, env, domain.ProjectDevelopment)
	team := seedAgents(t, env)
	backend := agentByRole(t, team, "backend")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: m.ID, Title: "clamp"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, task.ID, backend.ID); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.ReportProgress(env.Ctx, task.ID, 150, "")
	if err != nil {
		t.Fatal(err)
	}
	if task.ProgressPercentage != 100 {
		t.Fatalf("progress not clamped high: %d", task.ProgressPercentage)
	}
	task, err = env.Engine.ReportProgress(env.Ctx, task.ID, -5, "")
	if err != nil {
		t.Fatal(err)
	}
	if task.ProgressPercentage != 0 {
		t.Fatalf("progress not clamped low: %d", task.ProgressPercentage)
	}
}

func TestKnowledgeLatestWins(t *testing.T) {
	env := newTestEnv(t)
	p, _ := seedProject(t, env, domain.ProjectIdeation)

	if _, err := env.Engine.AddKnowledge(env.Ctx, domain.Knowledge{ProjectID: p.ID, Key: "design_specs", Value: "v1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddKnowledge(env.Ctx, domain.Knowledge{ProjectID: p.ID, Key: "design_specs", Value: "v2"}); err != nil {
		t.Fatal(err)
	}
	k, err := env.Engine.Repo.LatestKnowledge(env.Ctx, p.ID, "design_specs")
	if err != nil {
		t.Fatal(err)
	}
	if k.Value != "v2" {
		t.Fatalf("latest knowledge = %q", k.Value)
	}
}
