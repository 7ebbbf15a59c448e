package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"prism-board/domain"
)

// APIError is a non-2xx response. errors.Is matches it against the domain
// error its status stands for.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("board api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusForbidden:
		return domain.ErrForbidden
	case http.StatusConflict:
		return domain.ErrConflict
	default:
		return nil
	}
}

// HTTPClient calls the board endpoints with a bearer token.
type HTTPClient struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL, bearer string) *HTTPClient {
	return &HTTPClient{BaseURL: baseURL, Bearer: bearer, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Board fetches the project snapshot.
func (c *HTTPClient) Board(ctx context.Context, projectID string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/board", nil, nil, &b)
	return b, err
}

// MoveTask sends one move request and returns the committed task.
func (c *HTTPClient) MoveTask(ctx context.Context, req domain.MoveTaskRequest) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodPut, "/api/tasks/move", req, nil, &t)
	return t, err
}

// CreateTask creates a task. Each call carries a fresh idempotency key.
func (c *HTTPClient) CreateTask(ctx context.Context, req domain.CreateTaskRequest) (domain.Task, error) {
	var t domain.Task
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, headers, &t)
	return t, err
}

// CreateProject creates a project with the default columns.
func (c *HTTPClient) CreateProject(ctx context.Context, req domain.CreateProjectRequest) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, http.MethodPost, "/api/projects", req, nil, &b)
	return b, err
}

// DeleteTask removes a task.
func (c *HTTPClient) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if sonic.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
