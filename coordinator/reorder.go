package coordinator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/ordering"
	"prism-board/storage"
)

// ReorderLists renumbers the lists of a board to follow positions. Every list
// of the board must be named exactly once; each named list is authorized
// individually and the whole reorder rolls back if any check fails.
func (c *Coordinator) ReorderLists(ctx context.Context, boardID string, positions []domain.Position, actor domain.Actor) (out []ordering.Assignment, err error) {
	ctx, m := c.begin(ctx, "ReorderLists", actor, attribute.String(attrBoard, boardID), attribute.Int(attrItems, len(positions)))
	defer func() { m.End(err) }()

	seq, err := ordering.SequenceFromPositions(positions)
	if err != nil {
		return nil, err
	}
	err = c.commit(ctx, func(tx storage.Tx) error {
		board, err := tx.Board(ctx, boardID)
		if err != nil {
			return err
		}
		if err := c.authz.CanEditBoard(ctx, tx, actor, board); err != nil {
			return err
		}
		lists, err := tx.Lists(ctx, boardID)
		if err != nil {
			return err
		}
		byID := make(map[string]domain.List, len(lists))
		members := make([]string, len(lists))
		for i, l := range lists {
			byID[l.ID] = l
			members[i] = l.ID
		}
		for _, id := range seq {
			l, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: list %s does not belong to board %s", domain.ErrNotFound, id, boardID)
			}
			if err := c.authz.CanEditList(ctx, tx, actor, l); err != nil {
				return err
			}
		}
		if err := ordering.ValidateSequence(seq, members); err != nil {
			return err
		}
		out = ordering.Renumber(seq)
		return tx.SetListOrders(ctx, boardID, out)
	})
	if err != nil {
		return nil, err
	}
	c.publish(boardID, actor, events.ListReorderedData{Lists: out})
	return out, nil
}

// ReorderTasks renumbers the active tasks of a list to follow taskIDs.
// Archived tasks keep their relative order and are placed after them.
func (c *Coordinator) ReorderTasks(ctx context.Context, listID string, taskIDs []string, actor domain.Actor) (out []ordering.Assignment, err error) {
	ctx, m := c.begin(ctx, "ReorderTasks", actor, attribute.String(attrList, listID), attribute.Int(attrItems, len(taskIDs)))
	defer func() { m.End(err) }()

	var boardID string
	err = c.commit(ctx, func(tx storage.Tx) error {
		l, err := c.listInBoard(ctx, tx, actor, listID)
		if err != nil {
			return err
		}
		boardID = l.BoardID
		m.Set(attribute.String(attrBoard, boardID))

		tasks, err := tx.Tasks(ctx, listID)
		if err != nil {
			return err
		}
		if err := requireOwned(taskIDs, tasks, listID); err != nil {
			return err
		}
		active, archived := splitArchived(tasks)
		if err := ordering.ValidateSequence(taskIDs, active); err != nil {
			return err
		}
		out = ordering.Renumber(concat(taskIDs, archived))
		return tx.SetTaskOrders(ctx, boardID, listID, out)
	})
	if err != nil {
		return nil, err
	}
	c.publish(boardID, actor, events.TasksReorderedData{ListID: listID, Tasks: out})
	return out, nil
}

// MoveTask moves a task into destListID, where orderedIDs is the complete
// active sequence of the destination including the moved task. The move,
// the destination renumber and, under CompactSource, the source renumber
// commit together.
func (c *Coordinator) MoveTask(ctx context.Context, taskID, destListID string, orderedIDs []string, actor domain.Actor) (moved domain.Task, err error) {
	ctx, m := c.begin(ctx, "MoveTask", actor,
		attribute.String(attrTask, taskID),
		attribute.String(attrDestList, destListID),
		attribute.Int(attrItems, len(orderedIDs)))
	defer func() { m.End(err) }()

	var fromListID string
	var destOrders, sourceOrders []ordering.Assignment
	err = c.commit(ctx, func(tx storage.Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Archived {
			return fmt.Errorf("%w: archived task %s cannot be moved", domain.ErrValidation, taskID)
		}
		source, err := c.listInBoard(ctx, tx, actor, task.ListID)
		if err != nil {
			return err
		}
		dest, err := c.listInBoard(ctx, tx, actor, destListID)
		if err != nil {
			return err
		}
		if source.BoardID != dest.BoardID {
			return fmt.Errorf("%w: list %s is on another board", domain.ErrValidation, dest.ID)
		}
		fromListID = source.ID
		m.Set(attribute.String(attrBoard, dest.BoardID), attribute.String(attrList, source.ID))

		destTasks, err := tx.Tasks(ctx, dest.ID)
		if err != nil {
			return err
		}
		destActive, destArchived := splitArchived(destTasks)
		index := indexOf(orderedIDs, taskID)
		if index < 0 {
			return fmt.Errorf("%w: destination sequence does not contain %s", domain.ErrValidation, taskID)
		}

		if err := requireOwned(orderedIDs, concatTasks(destTasks, task), dest.ID); err != nil {
			return err
		}

		if source.ID == dest.ID {
			if err := ordering.ValidateSequence(orderedIDs, destActive); err != nil {
				return err
			}
			task.Order = index
			moved = task
			destOrders = ordering.Renumber(concat(orderedIDs, destArchived))
			return tx.SetTaskOrders(ctx, dest.BoardID, dest.ID, destOrders)
		}

		if err := ordering.ValidateSequence(orderedIDs, concat(destActive, []string{task.ID})); err != nil {
			return err
		}
		sourceTasks, err := tx.Tasks(ctx, source.ID)
		if err != nil {
			return err
		}
		sourceActive, sourceArchived := splitArchived(sourceTasks)
		remaining, _, err := ordering.Move(sourceActive, destActive, taskID, index)
		if err != nil {
			return err
		}

		task.ListID = dest.ID
		task.Order = index
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		destOrders = ordering.Renumber(concat(orderedIDs, destArchived))
		if err := tx.SetTaskOrders(ctx, dest.BoardID, dest.ID, destOrders); err != nil {
			return err
		}
		if c.policy == ordering.CompactSource {
			sourceOrders = ordering.Renumber(concat(remaining, sourceArchived))
			if err := tx.SetTaskOrders(ctx, source.BoardID, source.ID, sourceOrders); err != nil {
				return err
			}
		}
		moved = task
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	c.publish(moved.BoardID, actor, events.TaskMovedData{
		Task:         moved,
		FromListID:   fromListID,
		DestOrders:   destOrders,
		SourceOrders: sourceOrders,
	})
	return moved, nil
}

// requireOwned reports ids that name no task of the container.
func requireOwned(ids []string, tasks []domain.Task, listID string) error {
	owned := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		owned[t.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := owned[id]; !ok {
			return fmt.Errorf("%w: task %q does not belong to list %s", domain.ErrNotFound, id, listID)
		}
	}
	return nil
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func concatTasks(tasks []domain.Task, extra domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks...)
	return append(out, extra)
}

func indexOf(seq []string, id string) int {
	for i, v := range seq {
		if v == id {
			return i
		}
	}
	return -1
}
