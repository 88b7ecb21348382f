// Package aether is a thin HTTP client for the Aether API.
package aether

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an Aether server. Token is sent as a bearer JWT when
// set; APIKey is sent in X-Api-Key otherwise.
type Client struct {
	BaseURL string
	Token   string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is the decoded error envelope.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
			env.Error.Status = resp.StatusCode
			return &env.Error
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedBy   int64  `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Proposal struct {
	ID        int64   `json:"id"`
	ProjectID int64   `json:"project_id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Status    string  `json:"status"`
	Feedback  *string `json:"feedback,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type Task struct {
	ID                 int64   `json:"id"`
	ModuleID           int64   `json:"module_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Status             string  `json:"status"`
	AssignedAgentID    *int64  `json:"assigned_agent_id,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`
	BlockerReason      *string `json:"blocker_reason,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

type Agent struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Status        string `json:"status"`
	CurrentTaskID *int64 `json:"current_task_id,omitempty"`
}

type ReviewResult struct {
	Proposal      Proposal `json:"proposal"`
	ProjectStatus string   `json:"project_status"`
	BreakdownErr  string   `json:"breakdown_error,omitempty"`
}

func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, "/projects", map[string]string{"name": name, "description": description}, &p)
	return p, err
}

func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d", id), nil, &p)
	return p, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var items []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &items)
	return items, err
}

func (c *Client) SignOffProject(ctx context.Context, id int64, comments string) (Project, error) {
	var p Project
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/sign-off", id), map[string]string{"comments": comments}, &p)
	return p, err
}

func (c *Client) CreateProposal(ctx context.Context, projectID int64, typ, title, content string) (Proposal, error) {
	var p Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%d/proposals", projectID),
		map[string]string{"type": typ, "title": title, "content": content}, &p)
	return p, err
}

func (c *Client) ReviewProposal(ctx context.Context, id int64, approve bool, feedback string) (ReviewResult, error) {
	var out ReviewResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/proposals/%d/review", id),
		map[string]any{"approve": approve, "feedback": feedback}, &out)
	return out, err
}

func (c *Client) InitAgents(ctx context.Context) ([]Agent, error) {
	var items []Agent
	err := c.do(ctx, http.MethodPost, "/agents/init", nil, &items)
	return items, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var items []Agent
	err := c.do(ctx, http.MethodGet, "/agents", nil, &items)
	return items, err
}

func (c *Client) AssignTask(ctx context.Context, taskID, agentID int64) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/assign", taskID), map[string]int64{"agent_id": agentID}, &t)
	return t, err
}

func (c *Client) ReportProgress(ctx context.Context, taskID int64, percentage int, note string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/progress", taskID),
		map[string]any{"percentage": percentage, "note": note}, &t)
	return t, err
}

func (c *Client) CompleteTask(ctx context.Context, taskID int64, summary string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", taskID), map[string]string{"summary": summary}, &t)
	return t, err
}

func (c *Client) BlockTask(ctx context.Context, taskID int64, reason string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/block", taskID), map[string]string{"reason": reason}, &t)
	return t, err
}

func (c *Client) ApproveTask(ctx context.Context, taskID int64, comments string) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/approve", taskID), map[string]string{"comments": comments}, &t)
	return t, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var t Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &t)
	return t, err
}
