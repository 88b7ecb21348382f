package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"aether/internal/config"
	"aether/internal/db"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/export"
	"aether/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(workspace))
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	x := export.New(conn, filepath.Join(workspace, "export"))
	x.Now = e.Now
	handler, err := New(Config{
		Engine:   e,
		Exporter: x,
		BasePath: "/v0",
		Auth:     AuthConfig{Disabled: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestProjectProposalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/init", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init agents status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Orbit", "description": "a test project",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if project.Status != domain.ProjectIdeation {
		t.Fatalf("new project status = %s", project.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/proposals", srv.URL, project.ID), map[string]any{
		"type": "strategy", "title": "v1", "content": "build it",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	var proposal domain.Proposal
	if err := json.Unmarshal(data, &proposal); err != nil {
		t.Fatal(err)
	}

	// rejection without feedback maps to 400 feedback_required
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/proposals/%d/review", srv.URL, proposal.ID), map[string]any{
		"approve": false,
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "feedback_required" {
		t.Fatalf("reject without feedback: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/proposals/%d/review", srv.URL, proposal.ID), map[string]any{
		"approve": true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatal(err)
	}
	if review.ProjectStatus != domain.ProjectDesign {
		t.Fatalf("project after strategy approval = %s", review.ProjectStatus)
	}

	// second review of the same proposal conflicts
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/proposals/%d/review", srv.URL, proposal.ID), map[string]any{
		"approve": true,
	})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_reviewed" {
		t.Fatalf("double review: %d %s", res.StatusCode, string(data))
	}
}

func TestTaskEndpointsAndErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if _, err := srv.Engine.SeedAgents(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := srv.Engine.CreateProject(ctx, "Orbit", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	now := "2024-01-01T00:00:00Z"
	subID, err := srv.Engine.Repo.InsertSubsystem(ctx, nil, domain.Subsystem{ProjectID: p.ID, Name: "core", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	modID, err := srv.Engine.Repo.InsertModule(ctx, nil, domain.Module{SubsystemID: subID, Name: "api", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Repo.UpdateProjectStatus(ctx, nil, p.ID, domain.ProjectDevelopment, now); err != nil {
		t.Fatal(err)
	}
	agents, err := srv.Engine.Repo.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var backend, devops domain.Agent
	for _, a := range agents {
		switch a.Role {
		case "backend":
			backend = a
		case "devops":
			devops = a
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"module_id": modID, "title": "build endpoint",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/assign", srv.URL, task.ID), map[string]any{
		"agent_id": backend.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}

	// busy agent maps to 409 agent_busy
	res2, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"module_id": modID, "title": "second",
	})
	if res2.StatusCode != http.StatusCreated {
		t.Fatalf("create second: %d %s", res2.StatusCode, string(data2))
	}
	var second domain.Task
	if err := json.Unmarshal(data2, &second); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/assign", srv.URL, second.ID), map[string]any{
		"agent_id": backend.ID,
	})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "agent_busy" {
		t.Fatalf("busy assign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/assign", srv.URL, second.ID), map[string]any{
		"agent_id": devops.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign to devops: %d %s", res.StatusCode, string(data))
	}

	// completing before any progress maps to 422 invalid_transition
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/complete", srv.URL, task.ID), map[string]any{})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("early complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/progress", srv.URL, task.ID), map[string]any{
		"percentage": 60, "note": "moving",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/complete", srv.URL, task.ID), map[string]any{
		"summary": "done",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/approve", srv.URL, task.ID), map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	// unknown task maps to 404 not_found
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/9999", nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing task: %d %s", res.StatusCode, string(data))
	}
}

func TestExportEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if _, err := srv.Engine.SeedAgents(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := srv.Engine.CreateProject(ctx, "Orbit", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	now := "2024-01-01T00:00:00Z"
	subID, err := srv.Engine.Repo.InsertSubsystem(ctx, nil, domain.Subsystem{ProjectID: p.ID, Name: "core", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	modID, err := srv.Engine.Repo.InsertModule(ctx, nil, domain.Module{SubsystemID: subID, Name: "api", Status: "planned", CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Repo.UpdateProjectStatus(ctx, nil, p.ID, domain.ProjectDevelopment, now); err != nil {
		t.Fatal(err)
	}
	agents, _ := srv.Engine.Repo.ListAgents(ctx)
	var backend domain.Agent
	for _, a := range agents {
		if a.Role == "backend" {
			backend = a
		}
	}
	task, err := srv.Engine.CreateTask(ctx, engine.TaskCreateOptions{ModuleID: modID, Title: "build endpoint"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.Assign(ctx, task.ID, backend.ID); err != nil {
		t.Fatal(err)
	}

	// current is empty before any promotion
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/export/current", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("empty slot: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/export", srv.URL, task.ID), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var spec export.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatal(err)
	}
	if spec.Status != "pending_approval" {
		t.Fatalf("exported status = %s", spec.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/promote", srv.URL, task.ID), map[string]any{
		"expect_empty_slot": true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/export/current", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("current after promote: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatal(err)
	}
	if spec.Status != "approved" {
		t.Fatalf("current status = %s", spec.Status)
	}

	// the approved spec cannot be promoted again
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/tasks/%d/promote", srv.URL, task.ID), map[string]any{})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("re-promote: %d %s", res.StatusCode, string(data))
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	e := engine.New(conn, config.Default(workspace))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: "s3cret"}})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}()
	base := "http://" + ln.Addr().String()
	client := &http.Client{}

	res, _ := doJSON(t, client, http.MethodGet, base+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, base+"/v0/projects", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: %d %s", res.StatusCode, string(data))
	}
}
