package api

import (
	"context"

	"prism-board/broadcast"
	"prism-board/domain"
)

// Board is the ordering engine as seen by the handlers.
type Board interface {
	MoveTask(ctx context.Context, req domain.MoveTaskRequest, userID string) (domain.Task, error)
	CreateTask(ctx context.Context, req domain.CreateTaskRequest, userID string) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, req domain.UpdateTaskRequest, userID string) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID, userID string) error
	CreateProject(ctx context.Context, req domain.CreateProjectRequest, userID string) (domain.Board, error)
	UpdateProjectSettings(ctx context.Context, projectID string, settings domain.ProjectSettings) (domain.Project, error)
	SetMember(ctx context.Context, projectID, userID string, req domain.SetMemberRequest) error
	CreateColumn(ctx context.Context, projectID string, req domain.CreateColumnRequest) (domain.Column, error)
	MoveColumn(ctx context.Context, columnID string, req domain.MoveColumnRequest) (domain.Column, error)
	DeleteColumn(ctx context.Context, columnID, userID string) error
	Board(ctx context.Context, projectID string) (domain.Board, error)
	Role(ctx context.Context, projectID, userID string) (domain.Role, error)
	ProjectOfTask(ctx context.Context, taskID string) (string, error)
	ProjectOfColumn(ctx context.Context, columnID string) (string, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Subscriber hands out live event subscriptions.
type Subscriber interface {
	Subscribe(channels ...string) *broadcast.Subscription
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
