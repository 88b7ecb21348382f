package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"aether/internal/domain"
	"aether/internal/engine"
	"aether/internal/export"
	"aether/internal/gsync"
	"aether/internal/objstore"
	"aether/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Exporter *export.Exporter
	Syncer   *gsync.Syncer
	Store    objstore.Store
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot complete task in status pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Aether API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Aether API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerKnowledge(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	if cfg.Store != nil {
		registerAttachments(group, cfg.Engine, cfg.Store)
	}
	if cfg.Exporter != nil {
		registerExport(group, cfg.Exporter)
	}
	if cfg.Syncer != nil {
		registerSync(group, cfg.Syncer)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAgentBusy):
		return newAPIError(http.StatusConflict, "agent_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyReviewed):
		return newAPIError(http.StatusConflict, "already_reviewed", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrFeedbackRequired):
		return newAPIError(http.StatusBadRequest, "feedback_required", err.Error(), nil)
	case errors.Is(err, repo.ErrDependencyCycle):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), nil)
	case errors.Is(err, engine.ErrExternalUnavailable):
		return newAPIError(http.StatusBadGateway, "external_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusBadGateway:
		return "external_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Aether API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := e.CreateProject(ctx, input.Body.Name, input.Body.Description, userIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/status",
		Summary:     "Project status with task counts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ProjectStatusResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectStatusResponse `json:"body"`
		}{Body: ProjectStatusResponse{Project: p, TaskCounts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/analyze",
		Summary:     "Draft a strategy proposal for the project",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.AnalyzeProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-off-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/sign-off",
		Summary:     "QA sign-off, moves a testing project to deployed",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body SignOffRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.SignOff(ctx, input.ID, userIDFromContext(ctx), input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: p}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/proposals",
		Summary:       "Submit proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.CreateProposal(ctx, engine.ProposalCreateOptions{
			ProjectID:  input.ProjectID,
			Type:       input.Body.Type,
			Title:      input.Body.Title,
			Content:    input.Body.Content,
			CreatedBy:  userIDFromContext(ctx),
			Supersedes: input.Body.Supersedes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Proposal{}
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/review",
		Summary:     "Approve or reject a pending proposal",
		Errors:      append(mutationErrors, http.StatusBadGateway),
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body ReviewProposalRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		out, err := e.Review(ctx, input.ID, input.Body.Approve, userIDFromContext(ctx), input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ReviewResponse{Proposal: out.Proposal, ProjectStatus: out.ProjectStatus}
		if out.BreakdownErr != nil {
			resp.BreakdownErr = out.BreakdownErr.Error()
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ModuleID:     input.Body.ModuleID,
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			Requirements: input.Body.Requirements,
			DependsOn:    input.Body.DependsOn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `query:"project_id"`
		ModuleID  int64  `query:"module_id"`
		Status    string `query:"status"`
		AgentID   int64  `query:"agent_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID,
			ModuleID:  input.ModuleID,
			Status:    input.Status,
			AgentID:   input.AgentID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign task to an agent",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Assign(ctx, input.ID, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/progress",
		Summary:     "Report task progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body ProgressRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.ReportProgress(ctx, input.ID, input.Body.Percentage, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Complete(ctx, input.ID, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/block",
		Summary:     "Block task with a reason",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body BlockTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Block(ctx, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a completed task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body ApproveTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.ApproveTask(ctx, input.ID, userIDFromContext(ctx), input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: t}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-agents",
		Method:        http.MethodPost,
		Path:          "/agents/init",
		Summary:       "Seed the built-in agent team",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := e.SeedAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Agent{}
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-activity",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/activity",
		Summary:     "Agent activity log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAgent(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActivity(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ActivityLog{}
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerKnowledge(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-knowledge",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/knowledge",
		Summary:       "Add knowledge entry",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID int64               `path:"project_id"`
		Body      AddKnowledgeRequest `json:"body"`
	}) (*struct {
		Body KnowledgeResponse `json:"body"`
	}, error) {
		k, err := e.AddKnowledge(ctx, domain.Knowledge{
			ProjectID: input.ProjectID,
			Key:       input.Body.Key,
			Value:     input.Body.Value,
			Source:    input.Body.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KnowledgeResponse `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-knowledge",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/knowledge",
		Summary:     "List knowledge entries",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []KnowledgeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListKnowledge(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Knowledge{}
		}
		return &struct {
			Body []KnowledgeResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-deliverable",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/deliverables",
		Summary:       "Record a deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID int64                 `path:"task_id"`
		Body   AddDeliverableRequest `json:"body"`
	}) (*struct {
		Body DeliverableResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" || input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type and name are required", nil)
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		d := domain.Deliverable{
			TaskID:    input.TaskID,
			AgentID:   input.Body.AgentID,
			Type:      input.Body.Type,
			Name:      input.Body.Name,
			URL:       input.Body.URL,
			CreatedAt: nowRFC3339(e),
		}
		if input.Body.Description != "" {
			d.Description = &input.Body.Description
		}
		id, err := e.Repo.InsertDeliverable(ctx, d)
		if err != nil {
			return nil, handleError(err)
		}
		d.ID = id
		return &struct {
			Body DeliverableResponse `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body []DeliverableResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeliverables(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Deliverable{}
		}
		return &struct {
			Body []DeliverableResponse `json:"body"`
		}{Body: items}, nil
	})
}

func registerAttachments(api huma.API, e engine.Engine, store objstore.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-attachment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/attachments",
		Summary:       "Upload attachment",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID int64                   `path:"project_id"`
		Body      UploadAttachmentRequest `json:"body"`
	}) (*struct {
		Body AttachmentResponse `json:"body"`
	}, error) {
		if input.Body.FileName == "" || len(input.Body.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file_name and data are required", nil)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		key := fmt.Sprintf("%d/%s-%s", input.ProjectID, uuid.New().String(), input.Body.FileName)
		url, err := store.Put(ctx, key, input.Body.Data, input.Body.MimeType)
		if err != nil {
			return nil, handleError(err)
		}
		a := domain.Attachment{
			ProjectID:  input.ProjectID,
			FileName:   input.Body.FileName,
			FileSize:   int64(len(input.Body.Data)),
			MimeType:   input.Body.MimeType,
			FileKey:    key,
			FileURL:    url,
			UploadedBy: userIDFromContext(ctx),
			CreatedAt:  nowRFC3339(e),
		}
		id, err := e.Repo.InsertAttachment(ctx, a)
		if err != nil {
			return nil, handleError(err)
		}
		a.ID = id
		return &struct {
			Body AttachmentResponse `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/attachments",
		Summary:     "List attachments",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []AttachmentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAttachments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Attachment{}
		}
		return &struct {
			Body []AttachmentResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-attachment",
		Method:      http.MethodDelete,
		Path:        "/attachments/{id}",
		Summary:     "Delete attachment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		a, err := e.Repo.GetAttachment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := store.Delete(ctx, a.FileKey); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAttachment(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerExport(api huma.API, x *export.Exporter) {
	huma.Register(api, huma.Operation{
		OperationID: "export-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/export",
		Summary:     "Write task to the export queue",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID      int64  `path:"id"`
		Context string `query:"context" doc:"Extra context carried into the document notes"`
	}) (*struct {
		Body ExportSpecResponse `json:"body"`
	}, error) {
		spec, err := x.Generate(ctx, input.ID, input.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportSpecResponse `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/promote",
		Summary:     "Promote a queued task to the current slot",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64          `path:"id"`
		Body PromoteRequest `json:"body"`
	}) (*struct {
		Body ExportSpecResponse `json:"body"`
	}, error) {
		var spec export.Spec
		var err error
		if input.Body.ExpectEmptySlot != nil {
			spec, err = x.TryPromote(ctx, input.ID, userIDFromContext(ctx), *input.Body.ExpectEmptySlot)
		} else {
			spec, err = x.Promote(ctx, input.ID, userIDFromContext(ctx))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportSpecResponse `json:"body"`
		}{Body: spec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-export",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject a queued task with feedback",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body RejectExportRequest `json:"body"`
	}) (*struct{}, error) {
		if err := x.Reject(ctx, input.ID, userIDFromContext(ctx), input.Body.Feedback); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-task",
		Method:      http.MethodGet,
		Path:        "/export/current",
		Summary:     "Read the promoted current task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExportSpecResponse `json:"body"`
	}, error) {
		spec, err := x.Current(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportSpecResponse `json:"body"`
		}{Body: spec}, nil
	})
}

func registerSync(api huma.API, s *gsync.Syncer) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync/run",
		Summary:     "Run one sync pass against the remote task list",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := s.RunOnce(ctx); err != nil {
			return nil, newAPIError(http.StatusBadGateway, "external_unavailable", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func nowRFC3339(e engine.Engine) string {
	if e.Now != nil {
		return e.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return ""
}
