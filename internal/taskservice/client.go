// Package taskservice is the REST companion to the event stream: it hydrates
// the store with task and plan snapshots on demand and pushes user-initiated
// mutations back to the backend.
package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/streamsync/internal/store"
)

const maxResponseBody = 1 << 20

// Config holds the client's dependencies.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Store   *store.Store
	Logger  *slog.Logger

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to the task service REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	store   *store.Store
	logger  *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		store:   cfg.Store,
		logger:  logger,
	}
}

// FetchTasksByThread loads the task snapshot for a thread into the store.
// The loading flag goes up before the request and the result lands as one
// idempotent replace. Failures record the error and clear the flag.
func (c *Client) FetchTasksByThread(ctx context.Context, threadID string) ([]store.Task, error) {
	c.store.StartTasksLoading(threadID)

	var tasks []store.Task
	path := fmt.Sprintf("/threads/%s/tasks", url.PathEscape(threadID))
	if err := c.getJSON(ctx, path, &tasks); err != nil {
		c.store.SetTasksError(threadID, err.Error())
		return nil, err
	}

	c.store.SetTasks(threadID, tasks)
	c.logger.Debug("tasks hydrated", "thread_id", threadID, "count", len(tasks))
	return tasks, nil
}

// FetchPlan loads one plan, embedded tasks included, into the store.
func (c *Client) FetchPlan(ctx context.Context, planID string) (store.Plan, error) {
	var plan store.Plan
	path := fmt.Sprintf("/plans/%s", url.PathEscape(planID))
	if err := c.getJSON(ctx, path, &plan); err != nil {
		return store.Plan{}, err
	}

	c.store.SetPlan(plan, plan.ThreadID)
	return plan, nil
}

// FetchPlansByRoom replaces the room's plan snapshot in the store.
func (c *Client) FetchPlansByRoom(ctx context.Context, roomID string) ([]store.Plan, error) {
	var plans []store.Plan
	path := fmt.Sprintf("/rooms/%s/plans", url.PathEscape(roomID))
	if err := c.getJSON(ctx, path, &plans); err != nil {
		return nil, err
	}

	c.store.SetPlans(roomID, plans)
	return plans, nil
}

// UpdateTask pushes a partial task update and applies the server's echo to
// the store.
func (c *Client) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	var task store.Task
	path := fmt.Sprintf("/tasks/%s", url.PathEscape(taskID))
	if err := c.doJSON(ctx, http.MethodPatch, path, patch, &task); err != nil {
		return store.Task{}, err
	}

	c.store.UpdateTask(task.ThreadID, task.ID, patchFromTask(task))
	return task, nil
}

// ApprovePlan marks a plan approved and applies the server's echo.
func (c *Client) ApprovePlan(ctx context.Context, planID string) (store.Plan, error) {
	var plan store.Plan
	path := fmt.Sprintf("/plans/%s/approve", url.PathEscape(planID))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &plan); err != nil {
		return store.Plan{}, err
	}

	c.store.SetPlan(plan, plan.ThreadID)
	return plan, nil
}

// DeleteTask removes a task on the backend and from the store.
func (c *Client) DeleteTask(ctx context.Context, threadID, taskID string) error {
	path := fmt.Sprintf("/tasks/%s", url.PathEscape(taskID))
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	c.store.RemoveTask(threadID, taskID)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("task service %s %s returned %d: %s", method, path, resp.StatusCode, string(snippet))
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s %s response: %w", method, path, err)
	}
	return nil
}

// patchFromTask converts a full task echo into a patch so the store merge
// path stays uniform with stream-driven updates.
func patchFromTask(t store.Task) store.TaskPatch {
	patch := store.TaskPatch{
		Title:       &t.Title,
		Status:      &t.Status,
		Description: &t.Description,
	}
	if t.PlanID != "" {
		patch.PlanID = &t.PlanID
	}
	if t.Order != nil {
		patch.Order = t.Order
	}
	if t.UpdatedAt != "" {
		patch.UpdatedAt = &t.UpdatedAt
	}
	if t.FinishedAt != "" {
		patch.FinishedAt = &t.FinishedAt
	}
	return patch
}
