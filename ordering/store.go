package ordering

import (
	"context"
	"time"

	"prism-board/domain"
)

// Store opens scoped transactions and serves read snapshots.
//
// InTx acquires a transaction, runs fn, commits when fn returns nil and rolls
// back otherwise. Locks taken through Tx are held until InTx returns. There is
// no automatic retry.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Board(ctx context.Context, projectID string) (domain.Board, error)
	ProjectRole(ctx context.Context, projectID, userID string) (domain.Role, error)
}

// Tx is the set of row operations the coordinator performs inside one
// transaction. Lock* methods take pessimistic row locks. Missing rows are
// reported as domain.ErrNotFound.
type Tx interface {
	ProjectIDForTask(ctx context.Context, taskID string) (string, error)
	ProjectIDForColumn(ctx context.Context, columnID string) (string, error)

	LockProject(ctx context.Context, projectID string) (domain.Project, error)
	IncrementTaskNumber(ctx context.Context, projectID string) (int64, error)
	InsertProject(ctx context.Context, p domain.Project) error
	UpdateProject(ctx context.Context, p domain.Project) error
	PrefixTaken(ctx context.Context, prefix, exceptProjectID string) (bool, error)
	AddMember(ctx context.Context, projectID, userID string, role domain.Role) error

	GetColumn(ctx context.Context, columnID string) (domain.Column, error)
	// LockColumns returns the project's columns ordered by position.
	LockColumns(ctx context.Context, projectID string) ([]domain.Column, error)
	InsertColumn(ctx context.Context, c domain.Column) error
	SetColumnPosition(ctx context.Context, columnID string, position int, updatedAt time.Time) error
	// ShiftColumns adds delta to the position of every column in the project
	// whose position is >= from, except excludeColumnID.
	ShiftColumns(ctx context.Context, projectID string, from, delta int, excludeColumnID string) error
	DeleteColumn(ctx context.Context, columnID string) error

	LockTask(ctx context.Context, taskID string) (domain.Task, error)
	// CountTasks counts tasks in the column, not counting excludeTaskID.
	CountTasks(ctx context.Context, columnID, excludeTaskID string) (int, error)
	// ListTasks returns the column's tasks ordered by position.
	ListTasks(ctx context.Context, columnID string) ([]domain.Task, error)
	// ShiftTasks adds delta to the position of every task in the column whose
	// position is >= from, except excludeTaskID.
	ShiftTasks(ctx context.Context, columnID string, from, delta int, excludeTaskID string) error
	PlaceTask(ctx context.Context, taskID, columnID string, position int, updatedAt time.Time) (domain.Task, error)
	SetTaskPosition(ctx context.Context, taskID string, position int) error
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	// ReassignTasks moves every task of from into to, adding offset to each
	// position, and returns the moved tasks ordered by their new position.
	ReassignTasks(ctx context.Context, fromColumnID, toColumnID string, offset int, updatedAt time.Time) ([]domain.Task, error)
	// RewriteTaskKeys recomputes the human-readable id of every task in the
	// project from prefix and the unchanged task number.
	RewriteTaskKeys(ctx context.Context, projectID, prefix string, updatedAt time.Time) ([]domain.Task, error)
}

// Publisher fans a committed entity snapshot out to project subscribers.
type Publisher interface {
	Publish(ctx context.Context, eventType string, entity any, projectID string) error
}
