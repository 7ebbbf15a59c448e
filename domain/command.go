package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description,omitempty" validate:"max=10000"`
	ColumnID    string     `json:"columnId" validate:"required"`
	ProjectID   string     `json:"projectId" validate:"required"`
	AssigneeID  *string    `json:"assigneeId,omitempty" validate:"omitempty,min=1"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Type        string     `json:"type,omitempty" validate:"omitempty,oneof=task bug feature chore"`
	Priority    string     `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Tags        []string   `json:"tags,omitempty" validate:"max=20,dive,min=1,max=40"`
}

// UpdateTaskRequest carries the non-ordering task fields. Nil fields are left untouched.
type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description,omitempty" validate:"omitempty,max=10000"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Type        *string    `json:"type,omitempty" validate:"omitempty,oneof=task bug feature chore"`
	Priority    *string    `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	Tags        []string   `json:"tags,omitempty" validate:"max=20,dive,min=1,max=40"`
}

// MoveTaskRequest is the body of PUT /api/tasks/move. OldColumnID is an
// optional client hint; the locked row is authoritative.
type MoveTaskRequest struct {
	TaskID      string `json:"taskId" validate:"required"`
	NewColumnID string `json:"newColumnId" validate:"required"`
	NewPosition int    `json:"newPosition" validate:"gte=0"`
	OldColumnID string `json:"oldColumnId,omitempty"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name   string `json:"name" validate:"required,max=120"`
	Prefix string `json:"prefix" validate:"required,prefix"`
}

// ProjectSettings is the body of PATCH /api/projects/:id/settings.
type ProjectSettings struct {
	Name   *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Prefix *string `json:"prefix,omitempty" validate:"omitempty,prefix"`
}

// CreateColumnRequest is the body of POST /api/projects/:id/columns.
type CreateColumnRequest struct {
	Name string `json:"name" validate:"required,max=80"`
}

// MoveColumnRequest is the body of PATCH /api/columns/:id/position.
type MoveColumnRequest struct {
	Position int `json:"position" validate:"gte=0"`
}

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("prefix", func(fl validator.FieldLevel) bool {
		return prefixPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// NormalizePrefix trims and upper-cases a task key prefix.
func NormalizePrefix(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

// Validate checks struct tags and wraps failures in ErrValidation.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// SetMemberRequest is the body of PUT /api/projects/:id/members/:userId.
type SetMemberRequest struct {
	Role Role `json:"role" validate:"required,oneof=viewer member admin"`
}
