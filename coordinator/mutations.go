package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/ordering"
	"prism-board/storage"
)

// NewBoard describes a board to create. Exactly one of WorkspaceID and
// ProjectID must be set.
type NewBoard struct {
	Name        string
	WorkspaceID string
	ProjectID   string
	Members     []string
}

// NewTask describes a task to create.
type NewTask struct {
	Title       string
	Description string
	DueDate     *time.Time
	Priority    string
	Assignees   []string
}

func requireName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: %s name is required", domain.ErrValidation, kind)
	}
	return name, nil
}

// normalizeAssignees trims, deduplicates and sorts user ids.
func normalizeAssignees(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateBoard creates a board whose members are the actor plus in.Members.
// No event is emitted since nobody can be subscribed yet.
func (c *Coordinator) CreateBoard(ctx context.Context, in NewBoard, actor domain.Actor) (board domain.Board, err error) {
	ctx, m := c.begin(ctx, "CreateBoard", actor)
	defer func() { m.End(err) }()

	if actor.UserID == "" {
		return domain.Board{}, fmt.Errorf("%w: anonymous actor", domain.ErrAuthorizationDenied)
	}
	name, err := requireName("board", in.Name)
	if err != nil {
		return domain.Board{}, err
	}
	board = domain.Board{ID: c.newID(), Name: name, WorkspaceID: in.WorkspaceID, ProjectID: in.ProjectID, Lists: []domain.List{}}
	if !board.OwnerValid() {
		return domain.Board{}, fmt.Errorf("%w: a board belongs to exactly one workspace or project", domain.ErrValidation)
	}
	m.Set(attribute.String(attrBoard, board.ID))

	err = c.commit(ctx, func(tx storage.Tx) error {
		if err := tx.PutBoard(ctx, board); err != nil {
			return err
		}
		return tx.AddMembers(ctx, board.ID, normalizeAssignees(append([]string{actor.UserID}, in.Members...)))
	})
	if err != nil {
		return domain.Board{}, err
	}
	return board, nil
}

// RenameBoard changes the board name.
func (c *Coordinator) RenameBoard(ctx context.Context, boardID, name string, actor domain.Actor) (board domain.Board, err error) {
	ctx, m := c.begin(ctx, "RenameBoard", actor, attribute.String(attrBoard, boardID))
	defer func() { m.End(err) }()

	name, err = requireName("board", name)
	if err != nil {
		return domain.Board{}, err
	}
	err = c.commit(ctx, func(tx storage.Tx) error {
		b, err := tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		if err := c.authz.CanEditBoard(ctx, tx, actor, b); err != nil {
			return err
		}
		b.Name = name
		board = b
		return tx.PutBoard(ctx, b)
	})
	if err != nil {
		return domain.Board{}, err
	}
	c.publish(boardID, actor, events.BoardUpdatedData{ID: boardID, Name: name})
	return board, nil
}

// Board returns the active view of a board to one of its members.
func (c *Coordinator) Board(ctx context.Context, boardID string, actor domain.Actor) (board domain.Board, err error) {
	ctx, m := c.begin(ctx, "Board", actor, attribute.String(attrBoard, boardID))
	defer func() { m.End(err) }()

	err = c.commit(ctx, func(tx storage.Tx) error {
		b, err := tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		return c.authz.CanEditBoard(ctx, tx, actor, b)
	})
	if err != nil {
		return domain.Board{}, err
	}
	board, err = c.store.Snapshot(ctx, boardID)
	if err != nil && domain.Kind(err) == "" {
		err = fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	return board, err
}

// CreateList appends a list after the existing lists of a board.
func (c *Coordinator) CreateList(ctx context.Context, boardID, name string, actor domain.Actor) (list domain.List, err error) {
	ctx, m := c.begin(ctx, "CreateList", actor, attribute.String(attrBoard, boardID))
	defer func() { m.End(err) }()

	name, err = requireName("list", name)
	if err != nil {
		return domain.List{}, err
	}
	err = c.commit(ctx, func(tx storage.Tx) error {
		b, err := tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		if err := c.authz.CanEditBoard(ctx, tx, actor, b); err != nil {
			return err
		}
		lists, err := tx.Lists(ctx, boardID)
		if err != nil {
			return err
		}
		existing := make([]int, len(lists))
		for i, l := range lists {
			existing[i] = l.Order
		}
		list = domain.List{ID: c.newID(), BoardID: boardID, Name: name, Order: ordering.NextOrder(existing), Tasks: []domain.Task{}}
		m.Set(attribute.String(attrList, list.ID))
		return tx.PutList(ctx, list)
	})
	if err != nil {
		return domain.List{}, err
	}
	c.publish(boardID, actor, events.ListCreatedData{List: list})
	return list, nil
}

// RenameList changes a list name.
func (c *Coordinator) RenameList(ctx context.Context, listID, name string, actor domain.Actor) (list domain.List, err error) {
	ctx, m := c.begin(ctx, "RenameList", actor, attribute.String(attrList, listID))
	defer func() { m.End(err) }()

	name, err = requireName("list", name)
	if err != nil {
		return domain.List{}, err
	}
	err = c.commit(ctx, func(tx storage.Tx) error {
		l, err := c.listInBoard(ctx, tx, actor, listID)
		if err != nil {
			return err
		}
		l.Name = name
		list = l
		return tx.PutList(ctx, l)
	})
	if err != nil {
		return domain.List{}, err
	}
	c.publish(list.BoardID, actor, events.ListUpdatedData{ID: list.ID, Name: list.Name})
	return list, nil
}

// DeleteList removes a list together with all of its tasks.
func (c *Coordinator) DeleteList(ctx context.Context, listID string, actor domain.Actor) (err error) {
	ctx, m := c.begin(ctx, "DeleteList", actor, attribute.String(attrList, listID))
	defer func() { m.End(err) }()

	var boardID string
	err = c.commit(ctx, func(tx storage.Tx) error {
		l, err := c.listInBoard(ctx, tx, actor, listID)
		if err != nil {
			return err
		}
		boardID = l.BoardID
		return tx.DeleteList(ctx, l)
	})
	if err != nil {
		return err
	}
	c.publish(boardID, actor, events.ListDeletedData{ListID: listID})
	return nil
}

// CreateTask appends a task after every task of the list, archived ones included.
func (c *Coordinator) CreateTask(ctx context.Context, listID string, in NewTask, actor domain.Actor) (task domain.Task, err error) {
	ctx, m := c.begin(ctx, "CreateTask", actor, attribute.String(attrList, listID))
	defer func() { m.End(err) }()

	title, err := requireName("task", in.Title)
	if err != nil {
		return domain.Task{}, err
	}
	priority, err := domain.ParsePriority(in.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	err = c.commit(ctx, func(tx storage.Tx) error {
		l, err := c.listInBoard(ctx, tx, actor, listID)
		if err != nil {
			return err
		}
		tasks, err := tx.Tasks(ctx, listID)
		if err != nil {
			return err
		}
		task = domain.Task{
			ID:          c.newID(),
			BoardID:     l.BoardID,
			ListID:      l.ID,
			Title:       title,
			Description: in.Description,
			DueDate:     in.DueDate,
			Priority:    priority,
			Order:       ordering.NextOrder(orders(tasks)),
			Assignees:   normalizeAssignees(in.Assignees),
			CreatedBy:   actor.UserID,
		}
		m.Set(attribute.String(attrBoard, l.BoardID), attribute.String(attrTask, task.ID))
		return tx.PutTask(ctx, task)
	})
	if err != nil {
		return domain.Task{}, err
	}
	c.publish(task.BoardID, actor, events.TaskCreatedData{Task: task})
	return task, nil
}

// UpdateTask applies a partial update to the task fields.
func (c *Coordinator) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch, actor domain.Actor) (task domain.Task, err error) {
	ctx, m := c.begin(ctx, "UpdateTask", actor, attribute.String(attrTask, taskID))
	defer func() { m.End(err) }()

	if patch.Empty() {
		return domain.Task{}, fmt.Errorf("%w: empty update", domain.ErrValidation)
	}
	if patch.Title != nil {
		title, err := requireName("task", *patch.Title)
		if err != nil {
			return domain.Task{}, err
		}
		patch.Title = &title
	}
	if patch.Priority != nil {
		p, err := domain.ParsePriority(string(*patch.Priority))
		if err != nil {
			return domain.Task{}, err
		}
		patch.Priority = &p
	}
	return c.updateTask(ctx, m, taskID, actor, func(t *domain.Task) error {
		patch.Apply(t)
		return nil
	})
}

// ToggleComplete flips the completion flag. It is reported as task.updated.
func (c *Coordinator) ToggleComplete(ctx context.Context, taskID string, actor domain.Actor) (task domain.Task, err error) {
	ctx, m := c.begin(ctx, "ToggleComplete", actor, attribute.String(attrTask, taskID))
	defer func() { m.End(err) }()

	return c.updateTask(ctx, m, taskID, actor, func(t *domain.Task) error {
		t.Completed = !t.Completed
		return nil
	})
}

func (c *Coordinator) updateTask(ctx context.Context, m *mutation, taskID string, actor domain.Actor, change func(*domain.Task) error) (domain.Task, error) {
	var task domain.Task
	err := c.commit(ctx, func(tx storage.Tx) error {
		t, err := c.editableTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		m.Set(attribute.String(attrBoard, t.BoardID), attribute.String(attrList, t.ListID))
		if err := change(&t); err != nil {
			return err
		}
		task = t
		return tx.PutTask(ctx, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	c.publish(task.BoardID, actor, events.TaskUpdatedData{Task: task})
	return task, nil
}

// ToggleArchive flips the archived flag. The task keeps its order slot.
func (c *Coordinator) ToggleArchive(ctx context.Context, taskID string, actor domain.Actor) (task domain.Task, err error) {
	ctx, m := c.begin(ctx, "ToggleArchive", actor, attribute.String(attrTask, taskID))
	defer func() { m.End(err) }()

	err = c.commit(ctx, func(tx storage.Tx) error {
		t, err := c.editableTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		m.Set(attribute.String(attrBoard, t.BoardID), attribute.String(attrList, t.ListID))
		t.Archived = !t.Archived
		task = t
		return tx.PutTask(ctx, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	snapshot := task.Clone()
	c.publish(task.BoardID, actor, events.TaskArchiveToggledData{TaskID: task.ID, Archived: task.Archived, Task: &snapshot})
	return task, nil
}

// SetAssignees replaces the assignee set of a task.
func (c *Coordinator) SetAssignees(ctx context.Context, taskID string, assignees []string, actor domain.Actor) (task domain.Task, err error) {
	ctx, m := c.begin(ctx, "SetAssignees", actor, attribute.String(attrTask, taskID), attribute.Int(attrItems, len(assignees)))
	defer func() { m.End(err) }()

	err = c.commit(ctx, func(tx storage.Tx) error {
		t, err := c.editableTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		m.Set(attribute.String(attrBoard, t.BoardID), attribute.String(attrList, t.ListID))
		t.Assignees = normalizeAssignees(assignees)
		task = t
		return tx.PutTask(ctx, t)
	})
	if err != nil {
		return domain.Task{}, err
	}
	c.publish(task.BoardID, actor, events.TaskAssigneesChangedData{TaskID: task.ID, ListID: task.ListID, Assignees: task.Assignees})
	return task, nil
}

// DeleteTask removes a task. Its siblings keep their orders.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string, actor domain.Actor) (err error) {
	ctx, m := c.begin(ctx, "DeleteTask", actor, attribute.String(attrTask, taskID))
	defer func() { m.End(err) }()

	var task domain.Task
	err = c.commit(ctx, func(tx storage.Tx) error {
		t, err := c.editableTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		m.Set(attribute.String(attrBoard, t.BoardID), attribute.String(attrList, t.ListID))
		task = t
		return tx.DeleteTask(ctx, t)
	})
	if err != nil {
		return err
	}
	c.publish(task.BoardID, actor, events.TaskDeletedData{TaskID: task.ID, ListID: task.ListID})
	return nil
}
