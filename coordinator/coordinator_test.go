package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/events"
	"prism-board/ordering"
	"prism-board/storage"
)

var (
	alice   = domain.Actor{UserID: "u1", Name: "Alice", SocketID: "sock-a"}
	mallory = domain.Actor{UserID: "u2", Name: "Mallory"}
)

type recordingDispatcher struct {
	mu     sync.Mutex
	envs   []events.Envelope
	reject bool
}

func (r *recordingDispatcher) Dispatch(env events.Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return !r.reject
}

func (r *recordingDispatcher) all() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.envs...)
}

type fixture struct {
	coord  *Coordinator
	store  *storage.SQLite
	events *recordingDispatcher
	hook   *test.Hook
}

// newFixture seeds board b1 (member u1) with L1 [T1 T2 T3, archived T9] and
// L2 [T4], and board b2 (member u1) with L9 [T8].
func newFixture(t *testing.T, policy ordering.SourcePolicy, authz Authorizer) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	err = store.InTx(ctx, func(tx storage.Tx) error {
		for _, b := range []string{"b1", "b2"} {
			if err := tx.PutBoard(ctx, domain.Board{ID: b, Name: b, WorkspaceID: "w1"}); err != nil {
				return err
			}
			if err := tx.AddMembers(ctx, b, []string{"u1"}); err != nil {
				return err
			}
		}
		for _, l := range []domain.List{
			{ID: "L1", BoardID: "b1", Name: "Todo", Order: 0},
			{ID: "L2", BoardID: "b1", Name: "Doing", Order: 1},
			{ID: "L9", BoardID: "b2", Name: "Other", Order: 0},
		} {
			if err := tx.PutList(ctx, l); err != nil {
				return err
			}
		}
		for _, task := range []domain.Task{
			{ID: "T1", BoardID: "b1", ListID: "L1", Title: "one", Priority: domain.PriorityMedium, Order: 0},
			{ID: "T2", BoardID: "b1", ListID: "L1", Title: "two", Priority: domain.PriorityMedium, Order: 1},
			{ID: "T3", BoardID: "b1", ListID: "L1", Title: "three", Priority: domain.PriorityMedium, Order: 2},
			{ID: "T9", BoardID: "b1", ListID: "L1", Title: "old", Priority: domain.PriorityLow, Order: 3, Archived: true},
			{ID: "T4", BoardID: "b1", ListID: "L2", Title: "four", Priority: domain.PriorityMedium, Order: 0},
			{ID: "T8", BoardID: "b2", ListID: "L9", Title: "eight", Priority: domain.PriorityMedium, Order: 0},
		} {
			if err := tx.PutTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	logger, hook := test.NewNullLogger()
	rec := &recordingDispatcher{}
	var n int
	coord := New(store, authz, rec, logger, Config{
		SourcePolicy: policy,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return &fixture{coord: coord, store: store, events: rec, hook: hook}
}

// tasksOf returns "id:order" for every task of the list, archived included.
func (f *fixture) tasksOf(t *testing.T, listID string) []string {
	t.Helper()
	var out []string
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		tasks, err := tx.Tasks(context.Background(), listID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			out = append(out, fmt.Sprintf("%s:%d", task.ID, task.Order))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tasks: %v", err)
	}
	return out
}

func (f *fixture) listsOf(t *testing.T, boardID string) []string {
	t.Helper()
	var out []string
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		lists, err := tx.Lists(context.Background(), boardID)
		if err != nil {
			return err
		}
		for _, l := range lists {
			out = append(out, fmt.Sprintf("%s:%d", l.ID, l.Order))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read lists: %v", err)
	}
	return out
}

func assertSeq(t *testing.T, got []string, want ...string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestReorderTasksRenumbersToSequence(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	out, err := f.coord.ReorderTasks(context.Background(), "L1", []string{"T3", "T1", "T2"}, alice)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []ordering.Assignment{{ID: "T3", Order: 0}, {ID: "T1", Order: 1}, {ID: "T2", Order: 2}, {ID: "T9", Order: 3}}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	assertSeq(t, f.tasksOf(t, "L1"), "T3:0", "T1:1", "T2:2", "T9:3")

	envs := f.events.all()
	if len(envs) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(envs))
	}
	data, ok := envs[0].Payload.(events.TasksReorderedData)
	if !ok || data.ListID != "L1" || envs[0].BoardID != "b1" || envs[0].SocketID != "sock-a" {
		t.Fatalf("unexpected event %+v", envs[0])
	}
}

func TestReorderTasksFailures(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		actor domain.Actor
		want  error
	}{
		{name: "foreign task", ids: []string{"T3", "T1", "T4"}, actor: alice, want: domain.ErrNotFound},
		{name: "unknown task", ids: []string{"T3", "T1", "nope"}, actor: alice, want: domain.ErrNotFound},
		{name: "omission", ids: []string{"T3", "T1"}, actor: alice, want: domain.ErrValidation},
		{name: "duplicate", ids: []string{"T3", "T1", "T1"}, actor: alice, want: domain.ErrValidation},
		{name: "archived named", ids: []string{"T3", "T1", "T2", "T9"}, actor: alice, want: domain.ErrValidation},
		{name: "non member", ids: []string{"T3", "T1", "T2"}, actor: mallory, want: domain.ErrAuthorizationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ordering.CompactSource, nil)
			_, err := f.coord.ReorderTasks(context.Background(), "L1", tt.ids, tt.actor)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			assertSeq(t, f.tasksOf(t, "L1"), "T1:0", "T2:1", "T3:2", "T9:3")
			if len(f.events.all()) != 0 {
				t.Fatal("a failed mutation must not emit an event")
			}
		})
	}
}

func TestReorderTasksMissingList(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)
	if _, err := f.coord.ReorderTasks(context.Background(), "nope", nil, alice); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMoveTaskCompactsSource(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	moved, err := f.coord.MoveTask(context.Background(), "T1", "L2", []string{"T4", "T1"}, alice)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ListID != "L2" || moved.Order != 1 {
		t.Fatalf("unexpected moved task %+v", moved)
	}
	assertSeq(t, f.tasksOf(t, "L2"), "T4:0", "T1:1")
	assertSeq(t, f.tasksOf(t, "L1"), "T2:0", "T3:1", "T9:2")

	envs := f.events.all()
	if len(envs) != 1 {
		t.Fatalf("expected one event, got %d", len(envs))
	}
	data, ok := envs[0].Payload.(events.TaskMovedData)
	if !ok || data.FromListID != "L1" || data.Task.ListID != "L2" || data.Task.Order != 1 {
		t.Fatalf("unexpected event %+v", envs[0].Payload)
	}
	if want := []ordering.Assignment{{ID: "T4", Order: 0}, {ID: "T1", Order: 1}}; !reflect.DeepEqual(data.DestOrders, want) {
		t.Fatalf("expected destination orders %v, got %v", want, data.DestOrders)
	}
	if want := []ordering.Assignment{{ID: "T2", Order: 0}, {ID: "T3", Order: 1}, {ID: "T9", Order: 2}}; !reflect.DeepEqual(data.SourceOrders, want) {
		t.Fatalf("expected source orders %v, got %v", want, data.SourceOrders)
	}
}

func TestMoveTaskLeaveGapPolicy(t *testing.T) {
	f := newFixture(t, ordering.LeaveGap, nil)

	if _, err := f.coord.MoveTask(context.Background(), "T1", "L2", []string{"T1", "T4"}, alice); err != nil {
		t.Fatalf("move: %v", err)
	}
	assertSeq(t, f.tasksOf(t, "L2"), "T1:0", "T4:1")
	assertSeq(t, f.tasksOf(t, "L1"), "T2:1", "T3:2", "T9:3")

	data := f.events.all()[0].Payload.(events.TaskMovedData)
	if len(data.DestOrders) != 2 || data.SourceOrders != nil {
		t.Fatalf("expected destination orders only, got %+v", data)
	}
}

func TestMoveTaskWithinList(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	moved, err := f.coord.MoveTask(context.Background(), "T1", "L1", []string{"T2", "T3", "T1"}, alice)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Order != 2 {
		t.Fatalf("unexpected order %d", moved.Order)
	}
	assertSeq(t, f.tasksOf(t, "L1"), "T2:0", "T3:1", "T1:2", "T9:3")

	data := f.events.all()[0].Payload.(events.TaskMovedData)
	if data.FromListID != "L1" || len(data.DestOrders) != 4 || data.SourceOrders != nil {
		t.Fatalf("unexpected event %+v", data)
	}
}

func TestMoveTaskFailures(t *testing.T) {
	tests := []struct {
		name   string
		taskID string
		dest   string
		ids    []string
		actor  domain.Actor
		want   error
	}{
		{name: "other board", taskID: "T1", dest: "L9", ids: []string{"T8", "T1"}, actor: alice, want: domain.ErrValidation},
		{name: "missing task", taskID: "nope", dest: "L2", ids: []string{"T4", "nope"}, actor: alice, want: domain.ErrNotFound},
		{name: "missing destination", taskID: "T1", dest: "nope", ids: []string{"T1"}, actor: alice, want: domain.ErrNotFound},
		{name: "sequence without task", taskID: "T1", dest: "L2", ids: []string{"T4"}, actor: alice, want: domain.ErrValidation},
		{name: "sequence omits sibling", taskID: "T1", dest: "L2", ids: []string{"T1"}, actor: alice, want: domain.ErrValidation},
		{name: "foreign sibling", taskID: "T1", dest: "L2", ids: []string{"T4", "T1", "T2"}, actor: alice, want: domain.ErrNotFound},
		{name: "archived task", taskID: "T9", dest: "L2", ids: []string{"T4", "T9"}, actor: alice, want: domain.ErrValidation},
		{name: "non member", taskID: "T1", dest: "L2", ids: []string{"T4", "T1"}, actor: mallory, want: domain.ErrAuthorizationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ordering.CompactSource, nil)
			_, err := f.coord.MoveTask(context.Background(), tt.taskID, tt.dest, tt.ids, tt.actor)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			assertSeq(t, f.tasksOf(t, "L1"), "T1:0", "T2:1", "T3:2", "T9:3")
			assertSeq(t, f.tasksOf(t, "L2"), "T4:0")
		})
	}
}

// denyList refuses one list and otherwise defers to membership.
type denyList struct {
	MemberAuthorizer
	listID string
}

func (d denyList) CanEditList(ctx context.Context, tx storage.Tx, actor domain.Actor, list domain.List) error {
	if list.ID == d.listID {
		return fmt.Errorf("%w: list %s is locked", domain.ErrAuthorizationDenied, list.ID)
	}
	return d.MemberAuthorizer.CanEditList(ctx, tx, actor, list)
}

func TestReorderListsRollsBackWhenOneListIsDenied(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, denyList{listID: "L2"})

	_, err := f.coord.ReorderLists(context.Background(), "b1", []domain.Position{{ID: "L1", Order: 1}, {ID: "L2", Order: 0}}, alice)
	if !errors.Is(err, domain.ErrAuthorizationDenied) {
		t.Fatalf("expected authorization denied, got %v", err)
	}
	assertSeq(t, f.listsOf(t, "b1"), "L1:0", "L2:1")
}

func TestReorderLists(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	out, err := f.coord.ReorderLists(context.Background(), "b1", []domain.Position{{ID: "L1", Order: 5}, {ID: "L2", Order: 2}}, alice)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if !reflect.DeepEqual(out, []ordering.Assignment{{ID: "L2", Order: 0}, {ID: "L1", Order: 1}}) {
		t.Fatalf("unexpected assignments %v", out)
	}
	assertSeq(t, f.listsOf(t, "b1"), "L2:0", "L1:1")
	if _, ok := f.events.all()[0].Payload.(events.ListReorderedData); !ok {
		t.Fatal("expected list.reordered")
	}
}

func TestReorderListsForeignList(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	_, err := f.coord.ReorderLists(context.Background(), "b1", []domain.Position{{ID: "L1", Order: 0}, {ID: "L2", Order: 1}, {ID: "L9", Order: 2}}, alice)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	assertSeq(t, f.listsOf(t, "b1"), "L1:0", "L2:1")
}

func TestConcurrentReordersLastWriterWins(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)
	a := []string{"T3", "T2", "T1"}
	b := []string{"T2", "T1", "T3"}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, seq := range [][]string{a, b} {
		wg.Add(1)
		go func(seq []string) {
			defer wg.Done()
			_, err := f.coord.ReorderTasks(context.Background(), "L1", seq, alice)
			errs <- err
		}(seq)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("reorder: %v", err)
		}
	}

	got := f.tasksOf(t, "L1")
	wantA := []string{"T3:0", "T2:1", "T1:2", "T9:3"}
	wantB := []string{"T2:0", "T1:1", "T3:2", "T9:3"}
	if !reflect.DeepEqual(got, wantA) && !reflect.DeepEqual(got, wantB) {
		t.Fatalf("expected one complete sequence, got %v", got)
	}
	if len(f.events.all()) != 2 {
		t.Fatalf("expected two events, got %d", len(f.events.all()))
	}
}

func TestReorderRoundTripsThroughSnapshot(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)
	ctx := context.Background()
	seq := []string{"T2", "T3", "T1"}

	if _, err := f.coord.ReorderTasks(ctx, "L1", seq, alice); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	b, err := f.coord.Board(ctx, "b1", alice)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	var got []string
	for i, task := range b.Lists[0].Tasks {
		if task.Order != i {
			t.Fatalf("expected dense orders, got %d at %d", task.Order, i)
		}
		got = append(got, task.ID)
	}
	assertSeq(t, got, seq...)
}

func TestBoardRequiresMembership(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)
	if _, err := f.coord.Board(context.Background(), "b1", mallory); !errors.Is(err, domain.ErrAuthorizationDenied) {
		t.Fatalf("expected authorization denied, got %v", err)
	}
	if _, err := f.coord.Board(context.Background(), "nope", alice); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPublishFailureKeepsCommit(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)
	f.events.reject = true

	if _, err := f.coord.ReorderTasks(context.Background(), "L1", []string{"T3", "T1", "T2"}, alice); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	assertSeq(t, f.tasksOf(t, "L1"), "T3:0", "T1:1", "T2:2", "T9:3")
}

func TestOperationLogsOneEntry(t *testing.T) {
	f := newFixture(t, ordering.CompactSource, nil)

	_, err := f.coord.ReorderTasks(context.Background(), "L1", []string{"T1"}, alice)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	entries := f.hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != log.WarnLevel || entry.Message != "observability.event" {
		t.Fatalf("unexpected entry %v %q", entry.Level, entry.Message)
	}
	if entry.Data["event.name"] != "coordinator.ReorderTasks" {
		t.Fatalf("unexpected event name %v", entry.Data["event.name"])
	}
	attrs := entry.Data["attributes"].(map[string]any)
	if attrs[attrErrorKind] != "ValidationFailure" || attrs[attrBoard] != "b1" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
}
