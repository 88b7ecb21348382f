package gsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RemoteTask is an item in the remote task list.
type RemoteTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	Status string `json:"status"`
}

// TaskList is a remote list container.
type TaskList struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client is the remote task-list API surface the reconciler needs.
type Client interface {
	ListTaskLists(ctx context.Context) ([]TaskList, error)
	ListTasks(ctx context.Context, listID string) ([]RemoteTask, error)
	CreateTask(ctx context.Context, listID string, t RemoteTask) (RemoteTask, error)
	UpdateTask(ctx context.Context, listID string, t RemoteTask) (RemoteTask, error)
}

const defaultBaseURL = "https://tasks.googleapis.com/tasks/v1"

// HTTPClient talks to the Google Tasks REST API.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote tasks: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *HTTPClient) ListTaskLists(ctx context.Context) ([]TaskList, error) {
	var page struct {
		Items []TaskList `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/@me/lists", nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *HTTPClient) ListTasks(ctx context.Context, listID string) ([]RemoteTask, error) {
	var page struct {
		Items []RemoteTask `json:"items"`
	}
	path := fmt.Sprintf("/lists/%s/tasks?showCompleted=true&showHidden=true", url.PathEscape(listID))
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, listID string, t RemoteTask) (RemoteTask, error) {
	var created RemoteTask
	path := fmt.Sprintf("/lists/%s/tasks", url.PathEscape(listID))
	err := c.do(ctx, http.MethodPost, path, t, &created)
	return created, err
}

func (c *HTTPClient) UpdateTask(ctx context.Context, listID string, t RemoteTask) (RemoteTask, error) {
	var updated RemoteTask
	path := fmt.Sprintf("/lists/%s/tasks/%s", url.PathEscape(listID), url.PathEscape(t.ID))
	err := c.do(ctx, http.MethodPatch, path, t, &updated)
	return updated, err
}
