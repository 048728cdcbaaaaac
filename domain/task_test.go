package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroOrder(t *testing.T) {
	task := Task{ID: "t1", ListID: "l1", Title: "Title", Priority: PriorityLow, Order: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"order\":0") {
		t.Fatalf("expected order field to be present, got %s", payload)
	}
	if !strings.Contains(string(payload), "\"list_id\":\"l1\"") {
		t.Fatalf("expected list_id field, got %s", payload)
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	if err != nil || p != PriorityMedium {
		t.Fatalf("expected medium default, got %q err %v", p, err)
	}
	if _, err := ParsePriority("critical"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestTaskPatchApply(t *testing.T) {
	due := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	task := Task{Title: "old", DueDate: &due}
	title := "new"
	TaskPatch{Title: &title, ClearDue: true}.Apply(&task)
	if task.Title != "new" || task.DueDate != nil {
		t.Fatalf("unexpected task after patch: %+v", task)
	}
	if !(TaskPatch{}).Empty() {
		t.Fatal("expected zero patch to be empty")
	}
}

func TestTaskCloneDoesNotShareAssignees(t *testing.T) {
	task := Task{Assignees: []string{"u1"}}
	cp := task.Clone()
	cp.Assignees[0] = "u2"
	if task.Assignees[0] != "u1" {
		t.Fatal("clone shares assignee slice")
	}
}

func TestKind(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: x", ErrValidation):          "ValidationFailure",
		fmt.Errorf("%w: x", ErrAuthorizationDenied): "AuthorizationDenied",
		fmt.Errorf("%w: x", ErrNotFound):            "EntityNotFound",
		fmt.Errorf("%w: x", ErrTransaction):         "TransactionFailure",
		errors.New("other"):                         "",
	}
	for err, want := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestBoardOwnerValid(t *testing.T) {
	if (Board{}).OwnerValid() {
		t.Fatal("board without owner must be invalid")
	}
	if (Board{WorkspaceID: "w", ProjectID: "p"}).OwnerValid() {
		t.Fatal("board with two owners must be invalid")
	}
	if !(Board{ProjectID: "p"}).OwnerValid() {
		t.Fatal("board with project owner must be valid")
	}
}
