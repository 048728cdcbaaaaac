// Package client keeps a board view ahead of the server: local drags apply
// immediately as pending mutations and broadcast events are merged in as
// they arrive.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"prism-board/domain"
	"prism-board/ordering"
)

// State is the sync state of one entity.
type State int

const (
	Clean State = iota
	Pending
)

func (s State) String() string {
	if s == Pending {
		return "pending"
	}
	return "clean"
}

// MutationKind names the server endpoint a mutation is sent to.
type MutationKind string

const (
	MoveTaskMutation     MutationKind = "move-task"
	ReorderTasksMutation MutationKind = "reorder-tasks"
	ReorderListsMutation MutationKind = "reorder-lists"
)

// Mutation describes a local change awaiting server confirmation.
type Mutation struct {
	ID      string
	Kind    MutationKind
	BoardID string
	// ListID is the reordered list, or the destination of a move.
	ListID string
	TaskID string
	// Sequence is the full desired order of the target container.
	Sequence  []string
	CreatedAt time.Time
}

// undo records a container's order before a mutation touched it. container
// is a list id, or the board id for a list reorder.
type undo struct {
	container string
	lists     bool
	prior     []string
}

type pendingMutation struct {
	Mutation
	undo []undo
}

// Options tunes a Store.
type Options struct {
	// PendingTTL is how long a mutation may stay unconfirmed before
	// ExpirePending reverts it. Zero disables expiry.
	PendingTTL time.Duration
	Now        func() time.Time
	NewID      func() string
}

// Store is the client copy of one board. It is safe for concurrent use.
type Store struct {
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	board    domain.Board
	pending  map[string]*pendingMutation
	owner    map[string]string // entity id -> latest pending mutation id
	dragging map[string]struct{}
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Store{
		ttl:      opts.PendingTTL,
		now:      opts.Now,
		newID:    opts.NewID,
		pending:  make(map[string]*pendingMutation),
		owner:    make(map[string]string),
		dragging: make(map[string]struct{}),
	}
}

// Load replaces the local view with a server snapshot. Pending mutations
// are forgotten since the snapshot is authoritative.
func (s *Store) Load(b domain.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.board = cloneBoard(b)
	if s.board.Lists == nil {
		s.board.Lists = []domain.List{}
	}
	for i := range s.board.Lists {
		if s.board.Lists[i].Tasks == nil {
			s.board.Lists[i].Tasks = []domain.Task{}
		}
	}
	s.pending = make(map[string]*pendingMutation)
	s.owner = make(map[string]string)
}

// Board returns a copy of the local view.
func (s *Store) Board() domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBoard(s.board)
}

// State reports whether an entity has an unconfirmed local change.
func (s *Store) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owner[id]; ok {
		return Pending
	}
	return Clean
}

// Pending returns the ids of unconfirmed mutations.
func (s *Store) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}

// BeginDrag marks an entity as being dragged by the local user.
func (s *Store) BeginDrag(id string) {
	s.mu.Lock()
	s.dragging[id] = struct{}{}
	s.mu.Unlock()
}

// EndDrag clears the drag mark of an entity.
func (s *Store) EndDrag(id string) {
	s.mu.Lock()
	delete(s.dragging, id)
	s.mu.Unlock()
}

// Dragging reports whether id is mid-drag.
func (s *Store) Dragging(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dragging[id]
	return ok
}

// MoveTaskLocal moves a task to index in another list (or within its own
// list) and returns the mutation to send.
func (s *Store) MoveTaskLocal(taskID, destListID string, index int) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, _ := s.findTask(taskID)
	if src < 0 {
		return Mutation{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	dst := s.findList(destListID)
	if dst < 0 {
		return Mutation{}, fmt.Errorf("%w: list %s", domain.ErrNotFound, destListID)
	}
	if src == dst {
		return s.reorderTasks(dst, taskID, index, MoveTaskMutation)
	}

	source := taskSeq(s.board.Lists[src].Tasks)
	dest := taskSeq(s.board.Lists[dst].Tasks)
	_, newDest, err := ordering.Move(source, dest, taskID, index)
	if err != nil {
		return Mutation{}, err
	}
	m := s.begin(MoveTaskMutation, destListID, taskID, newDest,
		undo{container: s.board.Lists[src].ID, prior: source},
		undo{container: destListID, prior: dest})

	task := s.detachTask(src, taskID)
	task.ListID = destListID
	s.board.Lists[dst].Tasks = insertTask(s.board.Lists[dst].Tasks, task, indexOf(newDest, taskID))
	renumberTasks(s.board.Lists[src].Tasks)
	renumberTasks(s.board.Lists[dst].Tasks)
	s.own(m.ID, taskID)
	delete(s.dragging, taskID)
	return m, nil
}

// ReorderTasksLocal moves a task to index within its list.
func (s *Store) ReorderTasksLocal(taskID string, index int) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, _ := s.findTask(taskID)
	if li < 0 {
		return Mutation{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return s.reorderTasks(li, taskID, index, ReorderTasksMutation)
}

func (s *Store) reorderTasks(li int, taskID string, index int, kind MutationKind) (Mutation, error) {
	list := &s.board.Lists[li]
	prior := taskSeq(list.Tasks)
	seq, err := ordering.Reorder(prior, taskID, index)
	if err != nil {
		return Mutation{}, err
	}
	m := s.begin(kind, list.ID, taskID, seq, undo{container: list.ID, prior: prior})
	list.Tasks = arrangeTasks(list.Tasks, seq)
	renumberTasks(list.Tasks)
	s.own(m.ID, seq...)
	delete(s.dragging, taskID)
	return m, nil
}

// ReorderListsLocal moves a list to index on the board.
func (s *Store) ReorderListsLocal(listID string, index int) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findList(listID) < 0 {
		return Mutation{}, fmt.Errorf("%w: list %s", domain.ErrNotFound, listID)
	}
	prior := listSeq(s.board.Lists)
	seq, err := ordering.Reorder(prior, listID, index)
	if err != nil {
		return Mutation{}, err
	}
	m := s.begin(ReorderListsMutation, listID, "", seq, undo{container: s.board.ID, lists: true, prior: prior})
	s.board.Lists = arrangeLists(s.board.Lists, seq)
	renumberLists(s.board.Lists)
	s.own(m.ID, seq...)
	delete(s.dragging, listID)
	return m, nil
}

// Confirm marks the entities of a successful mutation clean. Unknown ids
// are ignored, so confirming after an event already settled it is a no-op.
func (s *Store) Confirm(mutationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(mutationID)
}

// Reject reverts a failed mutation: entities it still owns go back to their
// recorded positions. It reports whether the mutation was pending.
func (s *Store) Reject(mutationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revert(mutationID)
}

// ExpirePending reverts every mutation older than the store's PendingTTL and
// returns their ids. It does nothing when expiry is disabled.
func (s *Store) ExpirePending(now time.Time) []string {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, m := range s.pending {
		if now.Sub(m.CreatedAt) >= s.ttl {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.revert(id)
	}
	return expired
}

func (s *Store) begin(kind MutationKind, listID, taskID string, seq []string, undos ...undo) Mutation {
	m := Mutation{
		ID:        s.newID(),
		Kind:      kind,
		BoardID:   s.board.ID,
		ListID:    listID,
		TaskID:    taskID,
		Sequence:  append([]string(nil), seq...),
		CreatedAt: s.now(),
	}
	s.pending[m.ID] = &pendingMutation{Mutation: m, undo: undos}
	return m
}

func (s *Store) own(mutationID string, ids ...string) {
	for _, id := range ids {
		s.owner[id] = mutationID
	}
}

// supersede clears the pending mark of an entity overwritten by an event and
// returns the mutation that owned it.
func (s *Store) supersede(id string) (string, bool) {
	m, ok := s.owner[id]
	if ok {
		delete(s.owner, id)
	}
	return m, ok
}

func (s *Store) release(mutationID string) {
	if _, ok := s.pending[mutationID]; !ok {
		return
	}
	delete(s.pending, mutationID)
	for id, m := range s.owner {
		if m == mutationID {
			delete(s.owner, id)
		}
	}
}

func (s *Store) revert(mutationID string) bool {
	pm, ok := s.pending[mutationID]
	if !ok {
		return false
	}
	owned := make(map[string]bool)
	for id, m := range s.owner {
		if m == mutationID {
			owned[id] = true
		}
	}
	// pull owned entities back into the containers they came from
	for _, u := range pm.undo {
		if u.lists {
			continue
		}
		li := s.findList(u.container)
		if li < 0 {
			continue
		}
		for _, id := range u.prior {
			if !owned[id] || indexOf(taskSeq(s.board.Lists[li].Tasks), id) >= 0 {
				continue
			}
			from, _ := s.findTask(id)
			if from < 0 {
				continue
			}
			t := s.detachTask(from, id)
			t.ListID = u.container
			at := priorSlot(u.prior, taskSeq(s.board.Lists[li].Tasks), id)
			s.board.Lists[li].Tasks = insertTask(s.board.Lists[li].Tasks, t, at)
			renumberTasks(s.board.Lists[from].Tasks)
		}
	}
	for _, u := range pm.undo {
		if u.lists {
			if seq, ok := restoreOwned(u.prior, listSeq(s.board.Lists), owned); ok {
				s.board.Lists = arrangeLists(s.board.Lists, seq)
				renumberLists(s.board.Lists)
			}
			continue
		}
		li := s.findList(u.container)
		if li < 0 {
			continue
		}
		list := &s.board.Lists[li]
		if seq, ok := restoreOwned(u.prior, taskSeq(list.Tasks), owned); ok {
			list.Tasks = arrangeTasks(list.Tasks, seq)
			renumberTasks(list.Tasks)
		}
	}
	s.release(mutationID)
	return true
}

// restoreOwned puts the owned ids of current back in their prior relative
// order, reusing the slots they occupy now. Entities settled by an event since
// keep their positions. It reports false when current holds no owned id.
func restoreOwned(prior, current []string, owned map[string]bool) ([]string, bool) {
	inCurrent := make(map[string]bool, len(current))
	for _, id := range current {
		inCurrent[id] = true
	}
	var order []string
	restore := make(map[string]bool)
	for _, id := range prior {
		if owned[id] && inCurrent[id] {
			order = append(order, id)
			restore[id] = true
		}
	}
	if len(order) == 0 {
		return nil, false
	}
	out := append([]string(nil), current...)
	next := 0
	for i, id := range out {
		if restore[id] {
			out[i] = order[next]
			next++
		}
	}
	return out, true
}

// priorSlot is the index in current right after the nearest id that preceded
// id in prior.
func priorSlot(prior, current []string, id string) int {
	for j := indexOf(prior, id) - 1; j >= 0; j-- {
		if k := indexOf(current, prior[j]); k >= 0 {
			return k + 1
		}
	}
	return 0
}

func (s *Store) findList(id string) int {
	for i, l := range s.board.Lists {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// findTask scans every list for the task and returns its list and position.
func (s *Store) findTask(id string) (int, int) {
	for li, l := range s.board.Lists {
		for ti, t := range l.Tasks {
			if t.ID == id {
				return li, ti
			}
		}
	}
	return -1, -1
}

func (s *Store) detachTask(li int, id string) domain.Task {
	tasks := s.board.Lists[li].Tasks
	for i, t := range tasks {
		if t.ID == id {
			s.board.Lists[li].Tasks = append(tasks[:i:i], tasks[i+1:]...)
			return t
		}
	}
	return domain.Task{}
}

func insertTask(tasks []domain.Task, t domain.Task, at int) []domain.Task {
	if at < 0 || at > len(tasks) {
		at = len(tasks)
	}
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:at]...)
	out = append(out, t)
	return append(out, tasks[at:]...)
}

func insertList(lists []domain.List, l domain.List, at int) []domain.List {
	if at < 0 || at > len(lists) {
		at = len(lists)
	}
	out := make([]domain.List, 0, len(lists)+1)
	out = append(out, lists[:at]...)
	out = append(out, l)
	return append(out, lists[at:]...)
}

func arrangeTasks(tasks []domain.Task, seq []string) []domain.Task {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]domain.Task, 0, len(seq))
	for _, id := range seq {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

func arrangeLists(lists []domain.List, seq []string) []domain.List {
	byID := make(map[string]domain.List, len(lists))
	for _, l := range lists {
		byID[l.ID] = l
	}
	out := make([]domain.List, 0, len(seq))
	for _, id := range seq {
		if l, ok := byID[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

func renumberTasks(tasks []domain.Task) {
	for i := range tasks {
		tasks[i].Order = i
	}
}

func renumberLists(lists []domain.List) {
	for i := range lists {
		lists[i].Order = i
	}
}

func taskSeq(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func listSeq(lists []domain.List) []string {
	out := make([]string, len(lists))
	for i, l := range lists {
		out[i] = l.ID
	}
	return out
}

func taskOrders(tasks []domain.Task) []int {
	out := make([]int, len(tasks))
	for i, t := range tasks {
		out[i] = t.Order
	}
	return out
}

func listOrders(lists []domain.List) []int {
	out := make([]int, len(lists))
	for i, l := range lists {
		out[i] = l.Order
	}
	return out
}

func indexOf(seq []string, id string) int {
	for i, v := range seq {
		if v == id {
			return i
		}
	}
	return -1
}

func cloneBoard(b domain.Board) domain.Board {
	out := b
	if b.Lists != nil {
		out.Lists = make([]domain.List, len(b.Lists))
		for i, l := range b.Lists {
			out.Lists[i] = l.Clone()
		}
	}
	return out
}
