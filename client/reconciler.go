package client

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/ordering"
)

// Outcome describes what applying one event did to the store.
type Outcome struct {
	Event string
	// Applied is false when the event referenced nothing held locally.
	Applied bool
	// InterruptedDrag is set when the event touched an entity the local user
	// is dragging. The event is applied anyway; the caller decides whether to
	// cancel the drag.
	InterruptedDrag bool
	// Superseded lists pending mutations whose entities the event overwrote.
	Superseded []string
}

// Reconciler merges broadcast events into a Store. Incoming events always
// win over local state. Containers keep the broadcast order values, so every
// container stays sorted by order and re-applying an event is a no-op.
type Reconciler struct {
	store  *Store
	logger *log.Logger
}

// NewReconciler creates a reconciler for store.
func NewReconciler(store *Store, logger *log.Logger) *Reconciler {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		logger = log.New()
	}
	return &Reconciler{store: store, logger: logger}
}

// Apply merges env into the store.
func (r *Reconciler) Apply(env events.Envelope) Outcome {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Outcome{Event: env.Name()}
	if env.BoardID != s.board.ID {
		return out
	}
	a := applier{s: s, out: &out}

	switch p := env.Payload.(type) {
	case events.TaskCreatedData:
		a.upsertTask(p.Task)
	case events.TaskUpdatedData:
		a.upsertTask(p.Task)
	case events.TaskMovedData:
		a.upsertTask(p.Task)
		a.restamp(p.Task.ListID, p.DestOrders)
		if p.FromListID != p.Task.ListID {
			a.restamp(p.FromListID, p.SourceOrders)
		}
	case events.TaskDeletedData:
		a.removeTask(p.TaskID)
	case events.TaskAssigneesChangedData:
		a.setAssignees(p.TaskID, p.Assignees)
	case events.TaskArchiveToggledData:
		switch {
		case p.Archived:
			a.removeTask(p.TaskID)
		case p.Task != nil:
			a.upsertTask(*p.Task)
		}
	case events.TasksReorderedData:
		a.reorderTasks(p.ListID, p.Tasks)
	case events.ListCreatedData:
		a.upsertList(p.List)
	case events.ListUpdatedData:
		a.renameList(p.ID, p.Name)
	case events.ListDeletedData:
		a.removeList(p.ListID)
	case events.ListReorderedData:
		a.reorderLists(p.Lists)
	case events.BoardUpdatedData:
		if p.ID == s.board.ID {
			s.board.Name = p.Name
			out.Applied = true
		}
	default:
		r.logger.WithField("event", env.Name()).Debug("ignoring unhandled event")
	}

	if !out.Applied {
		r.logger.WithFields(log.Fields{"event": env.Name(), "board": env.BoardID}).Debug("event references nothing held locally")
	}
	return out
}

type applier struct {
	s   *Store
	out *Outcome
}

// touch records that an entity was overwritten by the event.
func (a applier) touch(id string) {
	a.out.Applied = true
	if _, ok := a.s.dragging[id]; ok {
		a.out.InterruptedDrag = true
	}
	if m, ok := a.s.supersede(id); ok {
		for _, seen := range a.out.Superseded {
			if seen == m {
				return
			}
		}
		a.out.Superseded = append(a.out.Superseded, m)
	}
}

// upsertTask removes the task wherever it is held and re-inserts it into its
// list at the position implied by its order. Applying the same snapshot twice
// leaves the same state.
func (a applier) upsertTask(t domain.Task) {
	s := a.s
	if li, _ := s.findTask(t.ID); li >= 0 {
		s.detachTask(li, t.ID)
		a.touch(t.ID)
	}
	if t.Archived {
		return
	}
	dst := s.findList(t.ListID)
	if dst < 0 {
		return
	}
	list := &s.board.Lists[dst]
	at := ordering.InsertionIndex(taskOrders(list.Tasks), t.Order)
	list.Tasks = insertTask(list.Tasks, t.Clone(), at)
	a.touch(t.ID)
}

func (a applier) removeTask(id string) {
	if li, _ := a.s.findTask(id); li >= 0 {
		a.s.detachTask(li, id)
		a.touch(id)
	}
}

func (a applier) setAssignees(id string, assignees []string) {
	li, ti := a.s.findTask(id)
	if li < 0 {
		return
	}
	a.s.board.Lists[li].Tasks[ti].Assignees = append([]string{}, assignees...)
	a.touch(id)
}

// reorderTasks pulls every listed task into the list and sorts it by the
// broadcast orders. Tasks the event does not name keep their slots.
func (a applier) reorderTasks(listID string, orders []ordering.Assignment) {
	s := a.s
	li := s.findList(listID)
	if li < 0 {
		return
	}
	sorted := append([]ordering.Assignment(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	var moved []domain.Task
	for _, as := range sorted {
		from, _ := s.findTask(as.ID)
		if from < 0 {
			continue
		}
		t := s.detachTask(from, as.ID)
		t.ListID = listID
		t.Order = as.Order
		moved = append(moved, t)
		a.touch(as.ID)
	}
	list := &s.board.Lists[li]
	for _, t := range moved {
		at := ordering.InsertionIndex(taskOrders(list.Tasks), t.Order)
		list.Tasks = insertTask(list.Tasks, t, at)
	}
}

// restamp copies committed orders onto the tasks already held in the list and
// re-sorts it. Tasks the orders do not name keep their values.
func (a applier) restamp(listID string, orders []ordering.Assignment) {
	if len(orders) == 0 {
		return
	}
	li := a.s.findList(listID)
	if li < 0 {
		return
	}
	byID := make(map[string]int, len(orders))
	for _, as := range orders {
		byID[as.ID] = as.Order
	}
	tasks := a.s.board.Lists[li].Tasks
	for i := range tasks {
		if o, ok := byID[tasks[i].ID]; ok && tasks[i].Order != o {
			tasks[i].Order = o
			a.touch(tasks[i].ID)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
}

func (a applier) upsertList(l domain.List) {
	s := a.s
	tasks := []domain.Task{}
	if li := s.findList(l.ID); li >= 0 {
		tasks = s.board.Lists[li].Tasks
		s.board.Lists = append(s.board.Lists[:li:li], s.board.Lists[li+1:]...)
		a.touch(l.ID)
	}
	l = l.Clone()
	l.Tasks = tasks
	at := ordering.InsertionIndex(listOrders(s.board.Lists), l.Order)
	s.board.Lists = insertList(s.board.Lists, l, at)
	a.touch(l.ID)
}

func (a applier) renameList(id, name string) {
	li := a.s.findList(id)
	if li < 0 {
		return
	}
	a.s.board.Lists[li].Name = name
	a.touch(id)
}

// removeList drops the list and its tasks in one step.
func (a applier) removeList(id string) {
	s := a.s
	li := s.findList(id)
	if li < 0 {
		return
	}
	for _, t := range s.board.Lists[li].Tasks {
		a.touch(t.ID)
	}
	s.board.Lists = append(s.board.Lists[:li:li], s.board.Lists[li+1:]...)
	a.touch(id)
}

func (a applier) reorderLists(orders []ordering.Assignment) {
	s := a.s
	byID := make(map[string]int, len(orders))
	for _, as := range orders {
		byID[as.ID] = as.Order
	}
	for i := range s.board.Lists {
		if o, ok := byID[s.board.Lists[i].ID]; ok {
			s.board.Lists[i].Order = o
			a.touch(s.board.Lists[i].ID)
		}
	}
	sort.SliceStable(s.board.Lists, func(i, j int) bool { return s.board.Lists[i].Order < s.board.Lists[j].Order })
}
