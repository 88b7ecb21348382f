package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aether/internal/config"
	"aether/internal/db"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/export"
	"aether/internal/migrate"
	"aether/internal/repo"
)

type exportEnv struct {
	Engine   engine.Engine
	Exporter *export.Exporter
	Dir      string
	Ctx      context.Context
}

func newExportEnv(t *testing.T) exportEnv {
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
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, config.Default(dir))
	eng.Now = fixed
	exportDir := filepath.Join(dir, "export")
	x := export.New(conn, exportDir)
	x.Now = fixed
	return exportEnv{Engine: eng, Exporter: x, Dir: exportDir, Ctx: context.Background()}
}

// assignedTask builds a development project with one task assigned to
// the backend agent.
func assignedTask(t *testing.T, env exportEnv) domain.Task {
	t.Helper()
	e := env.Engine
	p, err := e.CreateProject(env.Ctx, "Orbit", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	now := "2024-01-01T00:00:00Z"
	subID, err := e.Repo.InsertSubsystem(env.Ctx, nil, domain.Subsystem{ProjectID: p.ID, Name: "core", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	modID, err := e.Repo.InsertModule(env.Ctx, nil, domain.Module{SubsystemID: subID, Name: "api", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.UpdateProjectStatus(env.Ctx, nil, p.ID, domain.ProjectDevelopment, now); err != nil {
		t.Fatal(err)
	}
	team, err := e.SeedAgents(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var backend domain.Agent
	for _, a := range team {
		if a.Role == "backend" {
			backend = a
		}
	}
	task, err := e.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ModuleID:     modID,
		Title:        "build endpoint",
		Description:  "expose the thing",
		Requirements: "- return JSON\n- handle errors",
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err = e.Assign(env.Ctx, task.ID, backend.ID)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestGenerateWritesQueueFiles(t *testing.T) {
	env := newExportEnv(t)
	task := assignedTask(t, env)
	if _, err := env.Engine.AddKnowledge(env.Ctx, domain.Knowledge{
		ProjectID: 1, Key: "approved_strategy", Value: "ship a thin API first",
	}); err != nil {
		t.Fatal(err)
	}

	spec, err := env.Exporter.Generate(env.Ctx, task.ID, "focus on the error paths")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if spec.ID != "task-1" || spec.Status != "pending_approval" {
		t.Fatalf("spec header: %+v", spec)
	}
	if spec.Agent.Role != "backend" || spec.Agent.Persona == "" {
		t.Fatalf("agent ref: %+v", spec.Agent)
	}
	if len(spec.Implementation.Steps) != 2 {
		t.Fatalf("steps from requirements: %v", spec.Implementation.Steps)
	}
	if len(spec.Context.Docs) != 1 || spec.Context.Docs[0] != "ship a thin API first" {
		t.Fatalf("strategy not in context docs: %v", spec.Context.Docs)
	}
	if spec.Notes != "focus on the error paths" {
		t.Fatalf("extra context dropped: %q", spec.Notes)
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "queue", "task-1.json")); err != nil {
		t.Fatalf("queue json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "queue", "task-1.md")); err != nil {
		t.Fatalf("queue markdown missing: %v", err)
	}
}

func TestPromoteFillsCurrentSlot(t *testing.T) {
	env := newExportEnv(t)
	task := assignedTask(t, env)

	if _, err := env.Exporter.Generate(env.Ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}
	spec, err := env.Exporter.Promote(env.Ctx, task.ID, 1)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if spec.Status != "approved" {
		t.Fatalf("promoted spec status = %s", spec.Status)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskInProgress {
		t.Fatalf("task status after promote = %s", got.Status)
	}
	slot, err := env.Engine.Repo.GetExportSlot(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if slot.TaskID == nil || *slot.TaskID != task.ID {
		t.Fatalf("slot not set: %+v", slot)
	}
	cur, err := env.Exporter.Current(env.Ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != spec.ID || cur.Status != "approved" {
		t.Fatalf("current slot: %+v", cur)
	}
}

func TestPromoteTwiceRejected(t *testing.T) {
	env := newExportEnv(t)
	task := assignedTask(t, env)
	if _, err := env.Exporter.Generate(env.Ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Exporter.Promote(env.Ctx, task.ID, 1); err != nil {
		t.Fatalf("first promote: %v", err)
	}
	if _, err := env.Exporter.Promote(env.Ctx, task.ID, 1); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("second promote of an approved spec: %v", err)
	}
}

func TestTryPromoteConflictsOnOccupiedSlot(t *testing.T) {
	env := newExportEnv(t)
	first := assignedTask(t, env)

	// second task on the same module, different agent
	team, _ := env.Engine.Repo.ListAgents(env.Ctx)
	var devops domain.Agent
	for _, a := range team {
		if a.Role == "devops" {
			devops = a
		}
	}
	second, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: first.ModuleID, Title: "deploy it"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, second.ID, devops.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Exporter.Generate(env.Ctx, first.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Exporter.Generate(env.Ctx, second.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Exporter.Promote(env.Ctx, first.ID, 1); err != nil {
		t.Fatal(err)
	}

	// the first task still runs, so an expect-empty promote conflicts
	if _, err := env.Exporter.TryPromote(env.Ctx, second.ID, 1, true); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// once the slot task finishes the same call succeeds
	if _, err := env.Engine.Complete(env.Ctx, first.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Exporter.TryPromote(env.Ctx, second.ID, 1, true); err != nil {
		t.Fatalf("promote after completion: %v", err)
	}
	cur, err := env.Exporter.Current(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != "task-2" {
		t.Fatalf("slot should hold the second task, got %s", cur.ID)
	}
}

func TestPromoteRequiresExport(t *testing.T) {
	env := newExportEnv(t)
	task := assignedTask(t, env)
	if _, err := env.Exporter.Promote(env.Ctx, task.ID, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("promote without export: %v", err)
	}
}

func TestRejectBlocksTask(t *testing.T) {
	env := newExportEnv(t)
	task := assignedTask(t, env)
	if _, err := env.Exporter.Generate(env.Ctx, task.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Exporter.Reject(env.Ctx, task.ID, 1, "  "); !errors.Is(err, engine.ErrFeedbackRequired) {
		t.Fatalf("blank feedback: %v", err)
	}
	if err := env.Exporter.Reject(env.Ctx, task.ID, 1, "missing error handling"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskBlocked || got.BlockerReason == nil || *got.BlockerReason != "missing error handling" {
		t.Fatalf("after reject: %+v", got)
	}
}

func TestCurrentEmptySlot(t *testing.T) {
	env := newExportEnv(t)
	if _, err := env.Exporter.Current(env.Ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("empty slot: %v", err)
	}
}
