package gsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"aether/internal/config"
	"aether/internal/db"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/gsync"
	"aether/internal/migrate"
	"aether/internal/repo"
)

// fakeClient keeps remote tasks in memory and can fail selectively.
type fakeClient struct {
	tasks      map[string]gsync.RemoteTask
	nextID     int
	failCreate map[string]bool // keyed by remote title
	creates    int
	updates    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{tasks: map[string]gsync.RemoteTask{}, failCreate: map[string]bool{}}
}

func (f *fakeClient) ListTaskLists(ctx context.Context) ([]gsync.TaskList, error) {
	return []gsync.TaskList{{ID: "list-1", Title: "Aether"}}, nil
}

func (f *fakeClient) ListTasks(ctx context.Context, listID string) ([]gsync.RemoteTask, error) {
	var out []gsync.RemoteTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeClient) CreateTask(ctx context.Context, listID string, t gsync.RemoteTask) (gsync.RemoteTask, error) {
	if f.failCreate[t.Title] {
		return gsync.RemoteTask{}, errors.New("remote refused")
	}
	f.nextID++
	f.creates++
	t.ID = fmt.Sprintf("r%d", f.nextID)
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeClient) UpdateTask(ctx context.Context, listID string, t gsync.RemoteTask) (gsync.RemoteTask, error) {
	if _, ok := f.tasks[t.ID]; !ok {
		return gsync.RemoteTask{}, errors.New("no such remote task")
	}
	f.updates++
	f.tasks[t.ID] = t
	return t, nil
}

type syncEnv struct {
	Engine engine.Engine
	Syncer *gsync.Syncer
	Client *fakeClient
	Ctx    context.Context
}

func newSyncEnv(t *testing.T) syncEnv {
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
	client := newFakeClient()
	s := &gsync.Syncer{
		Repo:   repo.Repo{DB: conn},
		Client: client,
		ListID: "list-1",
		Now:    eng.Now,
	}
	return syncEnv{Engine: eng, Syncer: s, Client: client, Ctx: context.Background()}
}

func seedTasks(t *testing.T, env syncEnv, titles ...string) []domain.Task {
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
	var out []domain.Task
	for _, title := range titles {
		task, err := e.CreateTask(env.Ctx, engine.TaskCreateOptions{ModuleID: modID, Title: title})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, task)
	}
	return out
}

func TestRunOnceCreatesAndLinks(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "build api", "write docs")

	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if env.Client.creates != 2 {
		t.Fatalf("expected 2 remote creates, got %d", env.Client.creates)
	}
	for _, task := range tasks {
		link, err := env.Engine.Repo.GetTaskLink(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("link for task %d: %v", task.ID, err)
		}
		rt, ok := env.Client.tasks[link.RemoteID]
		if !ok {
			t.Fatalf("remote task %s missing", link.RemoteID)
		}
		if rt.Status != "needsAction" {
			t.Fatalf("open task mirrored as %s", rt.Status)
		}
	}

	// a second pass with nothing changed only touches timestamps
	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if env.Client.creates != 2 || env.Client.updates != 0 {
		t.Fatalf("idle pass mutated remote: creates=%d updates=%d", env.Client.creates, env.Client.updates)
	}
}

func TestCompletedTasksMirrorAsCompleted(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "finish me")
	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}

	// complete locally through the repo, then re-sync
	task, err := env.Engine.Repo.GetTask(env.Ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	task.Status = domain.TaskCompleted
	if err := env.Engine.Repo.UpdateTask(env.Ctx, nil, task); err != nil {
		t.Fatal(err)
	}
	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	link, err := env.Engine.Repo.GetTaskLink(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Client.tasks[link.RemoteID].Status; got != "completed" {
		t.Fatalf("completed task mirrored as %s", got)
	}
}

func TestRemoteDeletionRecreatesUnderSameLink(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "sticky")
	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	before, err := env.Engine.Repo.GetTaskLink(env.Ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	delete(env.Client.tasks, before.RemoteID)

	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.GetTaskLink(env.Ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.RemoteID == before.RemoteID {
		t.Fatalf("link kept a deleted remote id")
	}
	if _, ok := env.Client.tasks[after.RemoteID]; !ok {
		t.Fatalf("task not recreated remotely")
	}
}

func TestFailingItemDoesNotAbortPass(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "poison", "healthy")
	env.Client.failCreate[fmt.Sprintf("[%d] poison", tasks[0].ID)] = true

	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatalf("pass aborted: %v", err)
	}
	if _, err := env.Engine.Repo.GetTaskLink(env.Ctx, tasks[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("poison item linked: %v", err)
	}
	if _, err := env.Engine.Repo.GetTaskLink(env.Ctx, tasks[1].ID); err != nil {
		t.Fatalf("healthy item skipped: %v", err)
	}
}

func TestFinishedTaskNeverCreatedRemotely(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "already done")

	// finished before the first pass: only open tasks reach the remote
	task, err := env.Engine.Repo.GetTask(env.Ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	task.Status = domain.TaskCompleted
	if err := env.Engine.Repo.UpdateTask(env.Ctx, nil, task); err != nil {
		t.Fatal(err)
	}
	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if env.Client.creates != 0 {
		t.Fatalf("finished task pushed remotely: %d creates", env.Client.creates)
	}
	if _, err := env.Engine.Repo.GetTaskLink(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("finished task linked: %v", err)
	}
}

func TestAdoptExistingRemoteByTitle(t *testing.T) {
	env := newSyncEnv(t)
	tasks := seedTasks(t, env, "already there")
	title := fmt.Sprintf("[%d] already there", tasks[0].ID)
	env.Client.tasks["pre-1"] = gsync.RemoteTask{ID: "pre-1", Title: title, Status: "needsAction"}

	if err := env.Syncer.RunOnce(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if env.Client.creates != 0 {
		t.Fatalf("adopted task was recreated")
	}
	link, err := env.Engine.Repo.GetTaskLink(env.Ctx, tasks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if link.RemoteID != "pre-1" {
		t.Fatalf("expected adoption of pre-1, got %s", link.RemoteID)
	}
}
