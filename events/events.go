// Package events defines the realtime event catalogue broadcast on a board
// channel and the publishers that deliver it.
package events

import (
	"time"

	"prism-board/domain"
	"prism-board/ordering"
)

const (
	TaskCreated          = "task.created"
	TaskUpdated          = "task.updated"
	TaskDeleted          = "task.deleted"
	TaskMoved            = "task.moved"
	TaskAssigneesChanged = "task.assignees.changed"
	TaskArchiveToggled   = "task.archive.toggled"
	TasksReordered       = "tasks.reordered"
	ListCreated          = "list.created"
	ListUpdated          = "list.updated"
	ListDeleted          = "list.deleted"
	ListReordered        = "list.reordered"
	BoardUpdated         = "board.updated"
)

// ChannelPrefix is prepended to a board id to form its channel name.
const ChannelPrefix = "boards."

// Channel returns the broadcast channel of a board.
func Channel(boardID string) string {
	return ChannelPrefix + boardID
}

// Payload is implemented only by the event payload types of this package.
type Payload interface {
	EventName() string
	isPayload()
}

// Envelope wraps one payload with its routing data.
type Envelope struct {
	BoardID string
	// SocketID is the realtime connection of the actor. Subscribers on that
	// connection do not receive the event.
	SocketID  string
	Actor     domain.Actor
	EmittedAt time.Time
	Payload   Payload
}

// Name returns the event name of the wrapped payload.
func (e Envelope) Name() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventName()
}

// New builds an envelope for a mutation performed by actor.
func New(boardID string, actor domain.Actor, p Payload, now time.Time) Envelope {
	return Envelope{BoardID: boardID, SocketID: actor.SocketID, Actor: actor, EmittedAt: now.UTC(), Payload: p}
}

type TaskCreatedData struct {
	Task domain.Task `json:"task"`
}

type TaskUpdatedData struct {
	Task domain.Task `json:"task"`
}

type TaskDeletedData struct {
	TaskID string `json:"task_id"`
	ListID string `json:"list_id"`
}

// TaskMovedData carries the orders the move committed. DestOrders is the
// renumbered destination; SourceOrders is set only when the source list was
// compacted.
type TaskMovedData struct {
	Task         domain.Task           `json:"task"`
	FromListID   string                `json:"from_list_id"`
	DestOrders   []ordering.Assignment `json:"dest_orders,omitempty"`
	SourceOrders []ordering.Assignment `json:"source_orders,omitempty"`
}

type TaskAssigneesChangedData struct {
	TaskID    string   `json:"task_id"`
	ListID    string   `json:"list_id"`
	Assignees []string `json:"assignees"`
}

// TaskArchiveToggledData carries the task snapshot so a client can re-insert
// an unarchived task it no longer holds.
type TaskArchiveToggledData struct {
	TaskID   string       `json:"task_id"`
	Archived bool         `json:"is_archived"`
	Task     *domain.Task `json:"task,omitempty"`
}

type TasksReorderedData struct {
	ListID string                `json:"list_id"`
	Tasks  []ordering.Assignment `json:"tasks"`
}

type ListCreatedData struct {
	List domain.List `json:"list"`
}

type ListUpdatedData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ListDeletedData struct {
	ListID string `json:"list_id"`
}

type ListReorderedData struct {
	Lists []ordering.Assignment `json:"lists"`
}

type BoardUpdatedData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (TaskCreatedData) EventName() string          { return TaskCreated }
func (TaskUpdatedData) EventName() string          { return TaskUpdated }
func (TaskDeletedData) EventName() string          { return TaskDeleted }
func (TaskMovedData) EventName() string            { return TaskMoved }
func (TaskAssigneesChangedData) EventName() string { return TaskAssigneesChanged }
func (TaskArchiveToggledData) EventName() string   { return TaskArchiveToggled }
func (TasksReorderedData) EventName() string       { return TasksReordered }
func (ListCreatedData) EventName() string          { return ListCreated }
func (ListUpdatedData) EventName() string          { return ListUpdated }
func (ListDeletedData) EventName() string          { return ListDeleted }
func (ListReorderedData) EventName() string        { return ListReordered }
func (BoardUpdatedData) EventName() string         { return BoardUpdated }

func (TaskCreatedData) isPayload()          {}
func (TaskUpdatedData) isPayload()          {}
func (TaskDeletedData) isPayload()          {}
func (TaskMovedData) isPayload()            {}
func (TaskAssigneesChangedData) isPayload() {}
func (TaskArchiveToggledData) isPayload()   {}
func (TasksReorderedData) isPayload()       {}
func (ListCreatedData) isPayload()          {}
func (ListUpdatedData) isPayload()          {}
func (ListDeletedData) isPayload()          {}
func (ListReorderedData) isPayload()        {}
func (BoardUpdatedData) isPayload()         {}
