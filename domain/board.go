package domain

import (
	"strconv"
	"time"
)

// Project groups columns and owns the task number sequence.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Prefix         string    `json:"prefix"`
	LastTaskNumber int64     `json:"lastTaskNumber"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Column is an ordered lane of a project board.
type Column struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Task is a single board item. Position is dense and zero-based within ColumnID.
type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	ColumnID        string     `json:"columnId"`
	TaskNumber      int64      `json:"taskNumber"`
	HumanReadableID string     `json:"humanReadableId"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	AssigneeID      *string    `json:"assigneeId,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	Type            string     `json:"type"`
	Priority        string     `json:"priority"`
	Tags            []string   `json:"tags"`
	Position        int        `json:"position"`
	CreatedBy       string     `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Board is a read snapshot of a project with columns and tasks sorted by position.
type Board struct {
	Project Project  `json:"project"`
	Columns []Column `json:"columns"`
	Tasks   []Task   `json:"tasks"`
}

// HumanReadableID composes the external task key, e.g. "CORE-42".
func HumanReadableID(prefix string, number int64) string {
	return prefix + "-" + strconv.FormatInt(number, 10)
}

// DefaultColumns are created with every new project so the two-column minimum holds from the start.
var DefaultColumns = []string{"To Do", "In Progress", "Done"}

// MinColumns is the number of columns a project must keep.
const MinColumns = 2

const (
	TaskTypeTask    = "task"
	TaskTypeBug     = "bug"
	TaskTypeFeature = "feature"
	TaskTypeChore   = "chore"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)
