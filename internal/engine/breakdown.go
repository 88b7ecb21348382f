package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aether/internal/agents"
	"aether/internal/domain"
	"aether/internal/llm"
)

// breakdownSchema constrains the model output for decomposition.
var breakdownSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subsystems": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"modules": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"name": {"type": "string"},
								"description": {"type": "string"},
								"tasks": {
									"type": "array",
									"items": {
										"type": "object",
										"properties": {
											"title": {"type": "string"},
											"description": {"type": "string"},
											"requirements": {"type": "string"}
										},
										"required": ["title"]
									}
								}
							},
							"required": ["name"]
						}
					}
				},
				"required": ["name"]
			}
		}
	},
	"required": ["subsystems"]
}`)

type breakdownPlan struct {
	Subsystems []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Modules     []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Tasks       []struct {
				Title        string `json:"title"`
				Description  string `json:"description"`
				Requirements string `json:"requirements"`
			} `json:"tasks"`
		} `json:"modules"`
	} `json:"subsystems"`
}

// AnalyzeProject asks the project-manager model for a strategy draft
// and submits it as a proposal.
func (e Engine) AnalyzeProject(ctx context.Context, projectID int64) (domain.Proposal, error) {
	if e.LLM == nil {
		return domain.Proposal{}, fmt.Errorf("%w: no model configured", ErrExternalUnavailable)
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Proposal{}, err
	}
	pmProfile, _ := agents.ProfileFor(agents.ProjectManager)
	pctx, err := e.buildProjectContext(ctx, projectID)
	if err != nil {
		return domain.Proposal{}, err
	}
	msgs := []llm.Message{
		{Role: "system", Content: pmProfile.SystemPrompt},
		{Role: "user", Content: "Draft a development strategy for the following project. Cover scope, phases, risks and the team roles involved.\n\n" + pctx},
	}
	content, err := e.LLM.Generate(ctx, msgs, nil)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}
	// The draft becomes project knowledge so later context builds and
	// exports can reference the current strategy.
	if _, err := e.AddKnowledge(ctx, domain.Knowledge{
		ProjectID: projectID,
		Key:       "approved_strategy",
		Value:     content,
		Source:    string(agents.ProjectManager),
	}); err != nil {
		return domain.Proposal{}, err
	}
	pm, err := e.Repo.GetAgentByRole(ctx, string(agents.ProjectManager))
	var createdBy int64
	if err == nil {
		createdBy = pm.ID
	}
	return e.CreateProposal(ctx, ProposalCreateOptions{
		ProjectID: projectID,
		Type:      "strategy",
		Title:     "Strategy: " + project.Name,
		Content:   content,
		CreatedBy: createdBy,
	})
}

// Breakdown decomposes an approved strategy into subsystems, modules
// and pending tasks in a single transaction.
func (e Engine) Breakdown(ctx context.Context, projectID int64, strategy string) error {
	if e.LLM == nil {
		return fmt.Errorf("%w: no model configured", ErrExternalUnavailable)
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	pmProfile, _ := agents.ProfileFor(agents.ProjectManager)
	msgs := []llm.Message{
		{Role: "system", Content: pmProfile.SystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Decompose the approved strategy for project %q into subsystems, modules and tasks.\n\nStrategy:\n%s", project.Name, strategy)},
	}
	raw, err := e.LLM.Generate(ctx, msgs, breakdownSchema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalUnavailable, err)
	}
	var plan breakdownPlan
	if err := json.Unmarshal([]byte(stripFences(raw)), &plan); err != nil {
		return fmt.Errorf("%w: malformed breakdown: %v", ErrExternalUnavailable, err)
	}
	if len(plan.Subsystems) == 0 {
		return fmt.Errorf("%w: empty breakdown", ErrExternalUnavailable)
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	taskCount := 0
	for _, sub := range plan.Subsystems {
		if sub.Name == "" {
			return errors.New("subsystem without name")
		}
		subID, err := e.Repo.InsertSubsystem(ctx, tx, domain.Subsystem{
			ProjectID:   projectID,
			Name:        sub.Name,
			Description: sub.Description,
			Status:      "planned",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}
		for _, mod := range sub.Modules {
			modID, err := e.Repo.InsertModule(ctx, tx, domain.Module{
				SubsystemID: subID,
				Name:        mod.Name,
				Description: mod.Description,
				Status:      "planned",
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				return err
			}
			for _, task := range mod.Tasks {
				if _, err := e.Repo.InsertTask(ctx, tx, domain.Task{
					ModuleID:     modID,
					Title:        task.Title,
					Description:  task.Description,
					Requirements: task.Requirements,
					Status:       domain.TaskPending,
					CreatedAt:    now,
					UpdatedAt:    now,
				}); err != nil {
					return err
				}
				taskCount++
			}
		}
	}
	if err := e.logPM(ctx, tx, nil, "project_broken_down",
		fmt.Sprintf("decomposed into %d subsystems, %d tasks", len(plan.Subsystems), taskCount)); err != nil {
		return err
	}
	return tx.Commit()
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
