// Package storage persists boards, lists and tasks.
//
// Every mutation runs inside Store.InTx: either all writes of the callback
// commit or none do. Two implementations exist, SQLite (a single writer
// connection) and Azure Tables (one entity group transaction per board
// partition), plus a Redis cache for board snapshots.
package storage

import (
	"context"
	"errors"
	"fmt"

	"prism-board/domain"
	"prism-board/ordering"
)

// Tx is the set of reads and writes available inside a transaction.
// Lists and Tasks return entities sorted by order. Tasks includes archived
// tasks. Missing entities are reported with domain.ErrNotFound.
type Tx interface {
	Board(ctx context.Context, id string) (domain.Board, error)
	List(ctx context.Context, id string) (domain.List, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	Lists(ctx context.Context, boardID string) ([]domain.List, error)
	Tasks(ctx context.Context, listID string) ([]domain.Task, error)
	IsMember(ctx context.Context, boardID, userID string) (bool, error)

	PutBoard(ctx context.Context, b domain.Board) error
	AddMembers(ctx context.Context, boardID string, userIDs []string) error
	PutList(ctx context.Context, l domain.List) error
	PutTask(ctx context.Context, t domain.Task) error
	DeleteList(ctx context.Context, l domain.List) error
	DeleteTask(ctx context.Context, t domain.Task) error
	SetListOrders(ctx context.Context, boardID string, orders []ordering.Assignment) error
	SetTaskOrders(ctx context.Context, boardID, listID string, orders []ordering.Assignment) error
}

// Store runs transactions and serves board snapshots.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	// Snapshot returns the active view of a board: lists by order, each with
	// its non-archived tasks by order.
	Snapshot(ctx context.Context, boardID string) (domain.Board, error)
}

// transactionError classifies an unexpected driver error. Errors that already
// carry a taxonomy kind pass through unchanged.
func transactionError(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.Kind(err) != "" || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransaction, op, err)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
}

// snapshotIn assembles the active view using tx reads.
func snapshotIn(ctx context.Context, tx Tx, boardID string) (domain.Board, error) {
	b, err := tx.Board(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	lists, err := tx.Lists(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	b.Lists = make([]domain.List, 0, len(lists))
	for _, l := range lists {
		tasks, err := tx.Tasks(ctx, l.ID)
		if err != nil {
			return domain.Board{}, err
		}
		l.Tasks = make([]domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if !t.Archived {
				l.Tasks = append(l.Tasks, t)
			}
		}
		b.Lists = append(b.Lists, l)
	}
	return b, nil
}
