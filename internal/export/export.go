// Package export writes review-ready task files to a queue directory
// and promotes one of them at a time into the current-task slot.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aether/internal/activity"
	"aether/internal/agents"
	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/repo"
)

const (
	queueDir        = "queue"
	currentJSONName = "current-task.json"
	currentMDName   = "current-task.md"
)

// Exporter serializes tasks into the export directory. Promotions are
// serialized by the mutex; the slot row provides cross-process
// detection.
type Exporter struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Dir      string
	Now      func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, dir string) *Exporter {
	return &Exporter{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Writer{DB: db},
		Dir:      dir,
		Now:      time.Now,
	}
}

func (x *Exporter) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Spec is the exported task document.
type Spec struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Title          string         `json:"title"`
	Agent          AgentRef       `json:"agent"`
	Context        Context        `json:"context"`
	Implementation Implementation `json:"implementation"`
	Research       *Research      `json:"research,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Revision       string         `json:"revision"`
}

type AgentRef struct {
	Role    string `json:"role"`
	Persona string `json:"persona"`
}

type Context struct {
	Project      string   `json:"project"`
	Workflows    []string `json:"workflows,omitempty"`
	Docs         []string `json:"docs,omitempty"`
	RelatedFiles []string `json:"relatedFiles,omitempty"`
}

type Implementation struct {
	Summary    string     `json:"summary"`
	Steps      []string   `json:"steps,omitempty"`
	Validation Validation `json:"validation"`
}

type Validation struct {
	Commands []string `json:"commands,omitempty"`
	Criteria []string `json:"criteria,omitempty"`
}

type Research struct {
	Findings []string `json:"findings,omitempty"`
	Links    []string `json:"links,omitempty"`
}

func specFileName(taskID int64) string {
	return fmt.Sprintf("task-%d.json", taskID)
}

// Generate writes a task into the queue directory, overwriting any
// earlier export of the same task. Extra is free-form reviewer context
// carried into the document notes.
func (x *Exporter) Generate(ctx context.Context, taskID int64, extra string) (Spec, error) {
	t, err := x.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Spec{}, err
	}
	projectID, err := x.Repo.ProjectIDForTask(ctx, nil, taskID)
	if err != nil {
		return Spec{}, err
	}
	project, err := x.Repo.GetProject(ctx, projectID)
	if err != nil {
		return Spec{}, err
	}
	spec := x.buildSpec(ctx, t, project, extra)
	if err := os.MkdirAll(filepath.Join(x.Dir, queueDir), 0o755); err != nil {
		return spec, err
	}
	if err := writeJSON(filepath.Join(x.Dir, queueDir, specFileName(t.ID)), spec); err != nil {
		return spec, err
	}
	mdName := strings.TrimSuffix(specFileName(t.ID), ".json") + ".md"
	if err := os.WriteFile(filepath.Join(x.Dir, queueDir, mdName), []byte(renderMarkdown(spec)), 0o644); err != nil {
		return spec, err
	}
	return spec, nil
}

func (x *Exporter) buildSpec(ctx context.Context, t domain.Task, project domain.Project, extra string) Spec {
	agentRef := AgentRef{}
	if t.AssignedAgentID != nil {
		if a, err := x.Repo.GetAgent(ctx, *t.AssignedAgentID); err == nil {
			agentRef.Role = a.Role
			if p, ok := agents.ProfileFor(agents.Role(a.Role)); ok {
				agentRef.Persona = p.Persona
			}
		}
	}
	steps := splitLines(t.Requirements)
	var docs []string
	for _, key := range []string{"approved_strategy", "design_specs"} {
		if k, err := x.Repo.LatestKnowledge(ctx, project.ID, key); err == nil {
			docs = append(docs, k.Value)
		}
	}
	var related []string
	if ds, err := x.Repo.ListDeliverables(ctx, t.ID); err == nil {
		for _, d := range ds {
			related = append(related, d.URL)
		}
	}
	return Spec{
		ID:     fmt.Sprintf("task-%d", t.ID),
		Status: "pending_approval",
		Title:  t.Title,
		Agent:  agentRef,
		Context: Context{
			Project:      project.Name,
			Docs:         docs,
			RelatedFiles: related,
		},
		Implementation: Implementation{
			Summary: t.Description,
			Steps:   steps,
			Validation: Validation{
				Criteria: []string{"matches the task requirements", "passes review"},
			},
		},
		Notes:    strings.TrimSpace(extra),
		Revision: uuid.New().String(),
	}
}

// Promote moves a queued task into the current-task slot: the task
// goes in_progress, an approval row is recorded, and the slot version
// bumps, all in one transaction. The slot files are written before
// commit so a failed write aborts the whole promotion.
func (x *Exporter) Promote(ctx context.Context, taskID, userID int64) (Spec, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.promoteLocked(ctx, taskID, userID)
}

// TryPromote promotes only when the caller's view of the slot is
// accurate: expectedEmpty=true demands an empty (or finished) slot.
func (x *Exporter) TryPromote(ctx context.Context, taskID, userID int64, expectedEmpty bool) (Spec, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	slot, err := x.Repo.GetExportSlot(ctx, nil)
	if err != nil {
		return Spec{}, err
	}
	occupied := false
	if slot.TaskID != nil {
		cur, err := x.Repo.GetTask(ctx, *slot.TaskID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return Spec{}, err
		}
		if err == nil && cur.Status != domain.TaskCompleted && cur.Status != domain.TaskApproved {
			occupied = true
		}
	}
	if expectedEmpty && occupied {
		return Spec{}, fmt.Errorf("%w: slot occupied by task %d", engine.ErrConflict, *slot.TaskID)
	}
	return x.promoteLocked(ctx, taskID, userID)
}

func (x *Exporter) promoteLocked(ctx context.Context, taskID, userID int64) (Spec, error) {
	queued := filepath.Join(x.Dir, queueDir, specFileName(taskID))
	data, err := os.ReadFile(queued)
	if err != nil {
		if os.IsNotExist(err) {
			return Spec{}, fmt.Errorf("%w: task %d not exported", repo.ErrNotFound, taskID)
		}
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("corrupt export for task %d: %w", taskID, err)
	}
	if spec.Status != "pending_approval" {
		return spec, fmt.Errorf("%w: spec %s is %s, not pending_approval", engine.ErrInvalidTransition, spec.ID, spec.Status)
	}

	now := x.now().UTC().Format(time.RFC3339)
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return spec, err
	}
	defer tx.Rollback()

	t, err := x.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return spec, err
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskInProgress {
		return spec, fmt.Errorf("%w: cannot promote task in status %s", engine.ErrInvalidTransition, t.Status)
	}
	t.Status = domain.TaskInProgress
	t.UpdatedAt = now
	if err := x.Repo.UpdateTask(ctx, tx, t); err != nil {
		return spec, err
	}
	if _, err := x.Repo.InsertApproval(ctx, tx, domain.Approval{
		UserID:     userID,
		EntityType: "task",
		EntityID:   taskID,
		Status:     "approved",
		CreatedAt:  now,
	}); err != nil {
		return spec, err
	}
	if _, err := x.Repo.SetExportSlot(ctx, tx, taskID, now); err != nil {
		return spec, err
	}
	if t.AssignedAgentID != nil {
		if err := x.Activity.Append(ctx, tx, activity.Entry{
			AgentID: *t.AssignedAgentID,
			TaskID:  &taskID,
			Action:  "task_promoted",
			Details: fmt.Sprintf("task %d promoted to current", taskID),
		}); err != nil {
			return spec, err
		}
	}

	// The approved document replaces both the queue entry and the slot
	// files, so a second promotion of the same spec cannot pass the
	// pending_approval check above.
	spec.Status = "approved"
	if err := writeJSON(queued, spec); err != nil {
		return spec, err
	}
	if err := os.WriteFile(strings.TrimSuffix(queued, ".json")+".md", []byte(renderMarkdown(spec)), 0o644); err != nil {
		return spec, err
	}
	if err := writeJSON(filepath.Join(x.Dir, currentJSONName), spec); err != nil {
		return spec, err
	}
	if err := os.WriteFile(filepath.Join(x.Dir, currentMDName), []byte(renderMarkdown(spec)), 0o644); err != nil {
		return spec, err
	}
	if err := tx.Commit(); err != nil {
		return spec, err
	}
	return spec, nil
}

// Reject sends a queued task back with feedback; the task blocks and
// the rejection is recorded.
func (x *Exporter) Reject(ctx context.Context, taskID, userID int64, feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		return engine.ErrFeedbackRequired
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.now().UTC().Format(time.RFC3339)
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := x.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskApproved {
		return fmt.Errorf("%w: cannot reject an approved task", engine.ErrInvalidTransition)
	}
	t.Status = domain.TaskBlocked
	t.BlockerReason = &feedback
	t.UpdatedAt = now
	if err := x.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	if _, err := x.Repo.InsertApproval(ctx, tx, domain.Approval{
		UserID:     userID,
		EntityType: "task",
		EntityID:   taskID,
		Status:     "rejected",
		Comments:   &feedback,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if t.AssignedAgentID != nil {
		if err := x.Activity.Append(ctx, tx, activity.Entry{
			AgentID: *t.AssignedAgentID,
			TaskID:  &taskID,
			Action:  "task_rejected",
			Details: feedback,
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Current returns the promoted task document, or repo.ErrNotFound when
// the slot is empty.
func (x *Exporter) Current(ctx context.Context) (Spec, error) {
	data, err := os.ReadFile(filepath.Join(x.Dir, currentJSONName))
	if err != nil {
		if os.IsNotExist(err) {
			return Spec{}, repo.ErrNotFound
		}
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func renderMarkdown(s Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "- ID: %s\n- Status: %s\n", s.ID, s.Status)
	if s.Agent.Role != "" {
		fmt.Fprintf(&b, "- Agent: %s\n", s.Agent.Role)
	}
	fmt.Fprintf(&b, "- Project: %s\n", s.Context.Project)
	if s.Implementation.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", s.Implementation.Summary)
	}
	if len(s.Implementation.Steps) > 0 {
		b.WriteString("\n## Steps\n\n")
		for i, step := range s.Implementation.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if len(s.Implementation.Validation.Criteria) > 0 {
		b.WriteString("\n## Validation\n\n")
		for _, c := range s.Implementation.Validation.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if s.Notes != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", s.Notes)
	}
	return b.String()
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
