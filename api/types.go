package api

import (
	"context"
	"time"

	"prism-board/coordinator"
	"prism-board/domain"
	"prism-board/ordering"
)

// Service is the board mutation surface handlers call into.
// *coordinator.Coordinator implements it.
type Service interface {
	ReorderLists(ctx context.Context, boardID string, positions []domain.Position, actor domain.Actor) ([]ordering.Assignment, error)
	ReorderTasks(ctx context.Context, listID string, taskIDs []string, actor domain.Actor) ([]ordering.Assignment, error)
	MoveTask(ctx context.Context, taskID, destListID string, orderedIDs []string, actor domain.Actor) (domain.Task, error)

	Board(ctx context.Context, boardID string, actor domain.Actor) (domain.Board, error)
	CreateBoard(ctx context.Context, in coordinator.NewBoard, actor domain.Actor) (domain.Board, error)
	RenameBoard(ctx context.Context, boardID, name string, actor domain.Actor) (domain.Board, error)

	CreateList(ctx context.Context, boardID, name string, actor domain.Actor) (domain.List, error)
	RenameList(ctx context.Context, listID, name string, actor domain.Actor) (domain.List, error)
	DeleteList(ctx context.Context, listID string, actor domain.Actor) error

	CreateTask(ctx context.Context, listID string, in coordinator.NewTask, actor domain.Actor) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch, actor domain.Actor) (domain.Task, error)
	ToggleComplete(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error)
	ToggleArchive(ctx context.Context, taskID string, actor domain.Actor) (domain.Task, error)
	SetAssignees(ctx context.Context, taskID string, assignees []string, actor domain.Actor) (domain.Task, error)
	DeleteTask(ctx context.Context, taskID string, actor domain.Actor) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of replayed mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails.
	Remove(ctx context.Context, userID, key string) error
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type reorderListsRequest struct {
	BoardID string            `json:"boardId"`
	Lists   []domain.Position `json:"lists"`
}

type reorderListsResponse struct {
	Lists []ordering.Assignment `json:"lists"`
}

type reorderTasksRequest struct {
	ListID  string   `json:"listId"`
	TaskIDs []string `json:"taskIds"`
}

type reorderTasksResponse struct {
	Tasks []ordering.Assignment `json:"tasks"`
}

type moveTaskRequest struct {
	NewListID      string   `json:"newListId"`
	OrderInNewList []string `json:"orderInNewList"`
}

type taskResponse struct {
	Task domain.Task `json:"task"`
}

type createBoardRequest struct {
	Name        string   `json:"name"`
	WorkspaceID string   `json:"workspaceId"`
	ProjectID   string   `json:"projectId"`
	Members     []string `json:"members"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type createTaskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"dueDate"`
	Priority    string     `json:"priority"`
	Assignees   []string   `json:"assignees"`
}

type updateTaskRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
	Priority     *string    `json:"priority"`
}

type assigneesRequest struct {
	Assignees []string `json:"assignees"`
}
