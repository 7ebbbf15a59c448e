package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroPosition(t *testing.T) {
	task := Task{ID: "t1", Title: "Title", ColumnID: "c1", Position: 0, HumanReadableID: "X-1", TaskNumber: 1}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"position\":0") {
		t.Fatalf("expected position field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), "\"humanReadableId\":\"X-1\"") {
		t.Fatalf("expected human readable id, got %s", payload)
	}
}

func TestHumanReadableID(t *testing.T) {
	if got := HumanReadableID("CORE", 42); got != "CORE-42" {
		t.Fatalf("expected CORE-42, got %s", got)
	}
}

func TestValidateMoveRejectsNegativePosition(t *testing.T) {
	err := Validate(MoveTaskRequest{TaskID: "t", NewColumnID: "c", NewPosition: -1})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := Validate(MoveTaskRequest{TaskID: "t", NewColumnID: "c", NewPosition: 0}); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestValidatePrefix(t *testing.T) {
	cases := map[string]bool{
		"X":           true,
		"CORE":        true,
		"AB12":        true,
		"ab":          false,
		"1AB":         false,
		"TOOLONGPREF": false,
		"":            false,
	}
	for prefix, ok := range cases {
		err := Validate(CreateProjectRequest{Name: "p", Prefix: prefix})
		if ok && err != nil {
			t.Fatalf("prefix %q: unexpected error %v", prefix, err)
		}
		if !ok && !errors.Is(err, ErrValidation) {
			t.Fatalf("prefix %q: expected validation error, got %v", prefix, err)
		}
	}
}

func TestValidateCreateTaskEnums(t *testing.T) {
	req := CreateTaskRequest{Title: "t", ColumnID: "c", ProjectID: "p", Type: "epic"}
	if err := Validate(req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	req.Type = TaskTypeBug
	req.Priority = PriorityUrgent
	req.Tags = []string{"backend"}
	if err := Validate(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRoleAllows(t *testing.T) {
	if !RoleAdmin.Allows(RoleMember) {
		t.Fatal("admin should include member")
	}
	if RoleViewer.Allows(RoleMember) {
		t.Fatal("viewer must not include member")
	}
	if RoleNone.Allows(RoleNone) {
		t.Fatal("non-members are never allowed")
	}
}
