// Package coordinator executes board mutations.
//
// Every operation runs in a single storage transaction: it authorizes the
// actor, validates the request, writes, and commits. After a commit the
// resulting event is handed to the dispatcher without waiting for delivery.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/ordering"
	"prism-board/storage"
)

// Dispatcher accepts committed events for asynchronous delivery.
type Dispatcher interface {
	Dispatch(env events.Envelope) bool
}

// Authorizer decides whether an actor may mutate a board or one of its lists.
type Authorizer interface {
	CanEditBoard(ctx context.Context, tx storage.Tx, actor domain.Actor, board domain.Board) error
	CanEditList(ctx context.Context, tx storage.Tx, actor domain.Actor, list domain.List) error
}

// MemberAuthorizer grants access to the members of a board.
type MemberAuthorizer struct{}

func (MemberAuthorizer) CanEditBoard(ctx context.Context, tx storage.Tx, actor domain.Actor, board domain.Board) error {
	return requireMember(ctx, tx, actor, board.ID)
}

func (MemberAuthorizer) CanEditList(ctx context.Context, tx storage.Tx, actor domain.Actor, list domain.List) error {
	return requireMember(ctx, tx, actor, list.BoardID)
}

func requireMember(ctx context.Context, tx storage.Tx, actor domain.Actor, boardID string) error {
	if actor.UserID == "" {
		return fmt.Errorf("%w: anonymous actor", domain.ErrAuthorizationDenied)
	}
	ok, err := tx.IsMember(ctx, boardID, actor.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a member of board %s", domain.ErrAuthorizationDenied, actor.UserID, boardID)
	}
	return nil
}

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	SourcePolicy ordering.SourcePolicy
	Now          func() time.Time
	NewID        func() string
}

// Coordinator is the single write path for boards, lists and tasks.
type Coordinator struct {
	store  storage.Store
	authz  Authorizer
	events Dispatcher
	logger *log.Logger
	policy ordering.SourcePolicy
	now    func() time.Time
	newID  func() string
}

// New creates a Coordinator. A nil authz grants access to board members, a
// nil dispatcher discards events.
func New(store storage.Store, authz Authorizer, dispatcher Dispatcher, logger *log.Logger, cfg Config) *Coordinator {
	if store == nil {
		panic("coordinator.New: store is nil")
	}
	if logger == nil {
		panic("coordinator.New: logger is nil")
	}
	if authz == nil {
		authz = MemberAuthorizer{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Coordinator{
		store:  store,
		authz:  authz,
		events: dispatcher,
		logger: logger,
		policy: cfg.SourcePolicy,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
}

// SourcePolicy reports how move sources are renumbered.
func (c *Coordinator) SourcePolicy() ordering.SourcePolicy { return c.policy }

// commit runs fn in one storage transaction. Errors without a taxonomy kind
// are reported as transaction failures.
func (c *Coordinator) commit(ctx context.Context, fn func(tx storage.Tx) error) error {
	err := c.store.InTx(ctx, fn)
	if err != nil && domain.Kind(err) == "" {
		return fmt.Errorf("%w: %v", domain.ErrTransaction, err)
	}
	return err
}

func (c *Coordinator) publish(boardID string, actor domain.Actor, p events.Payload) {
	if c.events == nil {
		return
	}
	c.events.Dispatch(events.New(boardID, actor, p, c.now()))
}

func (c *Coordinator) listInBoard(ctx context.Context, tx storage.Tx, actor domain.Actor, listID string) (domain.List, error) {
	l, err := tx.List(ctx, listID)
	if err != nil {
		return domain.List{}, err
	}
	if err := c.authz.CanEditList(ctx, tx, actor, l); err != nil {
		return domain.List{}, err
	}
	return l, nil
}

func (c *Coordinator) editableTask(ctx context.Context, tx storage.Tx, actor domain.Actor, taskID string) (domain.Task, error) {
	t, err := tx.Task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := c.listInBoard(ctx, tx, actor, t.ListID); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// splitArchived returns the ids of active and archived tasks, each in stored order.
func splitArchived(tasks []domain.Task) (active, archived []string) {
	active = make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.Archived {
			archived = append(archived, t.ID)
			continue
		}
		active = append(active, t.ID)
	}
	return active, archived
}

func orders(tasks []domain.Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.Order
	}
	return out
}
