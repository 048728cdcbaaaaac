package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"prism-board/api"
	"prism-board/client"
	"prism-board/coordinator"
	"prism-board/domain"
	"prism-board/events"
	"prism-board/storage"
	"prism-board/stream"
)

var secret = []byte("sync-test-secret")

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := api.SignTestToken(secret, userID, "prism", "", 10*time.Minute)
	require.NoError(t, err)
	return signed
}

type server struct {
	url   string
	coord *coordinator.Coordinator
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hub := stream.NewHub(64)
	dispatcher := events.NewDispatcher(events.DispatcherConfig{Lanes: 2}, logger, hub)
	t.Cleanup(dispatcher.Close)
	coord := coordinator.New(store, nil, dispatcher, logger, coordinator.Config{})
	auth := api.NewTestAuth(secret, "prism", "")

	e := echo.New()
	api.Register(e, coord, auth, nil, logger)
	stream.Register(e, hub, auth, coord, logger, stream.Config{Keepalive: time.Second})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, coord: coord}
}

// peer is one connected user: a store fed by the board stream.
type peer struct {
	api     *client.API
	store   *client.Store
	rec     *client.Reconciler
	ready   chan struct{}
	applied chan client.Outcome
	seen    []string
}

func connect(t *testing.T, ctx context.Context, srv *server, userID, boardID string) *peer {
	t.Helper()
	bearer := tokenFor(t, userID)
	p := &peer{
		api:     client.NewAPI(srv.url, bearer),
		store:   client.NewStore(client.Options{}),
		ready:   make(chan struct{}),
		applied: make(chan client.Outcome, 16),
	}
	p.rec = client.NewReconciler(p.store, nil)
	b, err := p.api.Board(ctx, boardID)
	require.NoError(t, err)
	p.store.Load(b)

	go func() {
		_ = client.Listen(ctx, nil, srv.url+"/stream/boards/"+boardID, bearer, func(f client.Frame) error {
			if f.Event == stream.ConnectionEstablished {
				var est stream.Established
				if err := sonic.Unmarshal(f.Data, &est); err != nil {
					return err
				}
				p.api.SetSocketID(est.SocketID)
				close(p.ready)
				return nil
			}
			env, err := events.Decode(f.Data)
			if err != nil {
				return err
			}
			select {
			case p.applied <- p.rec.Apply(env):
			case <-ctx.Done():
			}
			return nil
		})
	}()
	select {
	case <-p.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: stream not established", userID)
	}
	return p
}

func (p *peer) await(t *testing.T, event string) client.Outcome {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case out := <-p.applied:
			p.seen = append(p.seen, out.Event)
			if out.Event == event {
				return out
			}
		case <-timeout:
			t.Fatalf("no %s event", event)
		}
	}
}

func layout(b domain.Board) map[string][]string {
	out := map[string][]string{}
	for _, l := range b.Lists {
		ids := []string{}
		for _, t := range l.Tasks {
			ids = append(ids, t.ID)
		}
		out[l.ID] = ids
	}
	return out
}

// orders renders every list as "id:order" pairs.
func orders(b domain.Board) map[string][]string {
	out := map[string][]string{}
	for _, l := range b.Lists {
		pairs := []string{}
		for _, t := range l.Tasks {
			pairs = append(pairs, fmt.Sprintf("%s:%d", t.ID, t.Order))
		}
		out[l.ID] = pairs
	}
	return out
}

func seedBoard(t *testing.T, ctx context.Context, srv *server) (domain.Board, []domain.List) {
	t.Helper()
	u1 := domain.Actor{UserID: "u1"}
	board, err := srv.coord.CreateBoard(ctx, coordinator.NewBoard{Name: "Launch", WorkspaceID: "w1", Members: []string{"u2"}}, u1)
	require.NoError(t, err)
	var lists []domain.List
	for _, name := range []string{"Todo", "Doing"} {
		l, err := srv.coord.CreateList(ctx, board.ID, name, u1)
		require.NoError(t, err)
		lists = append(lists, l)
	}
	return board, lists
}

// addTasks creates tasks in list and waits until every peer has merged them.
func addTasks(t *testing.T, ctx context.Context, srv *server, list domain.List, peers ...*peer) []domain.Task {
	t.Helper()
	var tasks []domain.Task
	for _, title := range []string{"one", "two", "three"} {
		task, err := srv.coord.CreateTask(ctx, list.ID, coordinator.NewTask{Title: title}, domain.Actor{UserID: "u1"})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	for _, p := range peers {
		for range tasks {
			require.True(t, p.await(t, events.TaskCreated).Applied)
		}
	}
	return tasks
}

func TestTwoClientsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(t)
	board, lists := seedBoard(t, ctx, srv)

	alice := connect(t, ctx, srv, "u1", board.ID)
	bob := connect(t, ctx, srv, "u2", board.ID)
	tasks := addTasks(t, ctx, srv, lists[0], alice, bob)
	require.Equal(t, layout(alice.store.Board()), layout(bob.store.Board()))

	m, err := alice.store.MoveTaskLocal(tasks[0].ID, lists[1].ID, 0)
	require.NoError(t, err)
	require.Equal(t, client.Pending, alice.store.State(tasks[0].ID))
	require.NoError(t, alice.api.Send(ctx, m))
	alice.store.Confirm(m.ID)

	out := bob.await(t, events.TaskMoved)
	require.True(t, out.Applied)
	require.Equal(t, layout(alice.store.Board()), layout(bob.store.Board()))

	m, err = bob.store.ReorderTasksLocal(tasks[2].ID, 0)
	require.NoError(t, err)
	require.NoError(t, bob.api.Send(ctx, m))
	bob.store.Confirm(m.ID)

	alice.await(t, events.TasksReordered)
	require.Equal(t, layout(bob.store.Board()), layout(alice.store.Board()))

	// the actor's own stream does not echo its mutations
	require.NotContains(t, alice.seen, events.TaskMoved)
	select {
	case out := <-bob.applied:
		t.Fatalf("bob received %s after his own reorder", out.Event)
	case <-time.After(100 * time.Millisecond):
	}

	snap, err := srv.coord.Board(ctx, board.ID, domain.Actor{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, layout(snap), layout(alice.store.Board()))
}

func TestMidListMovesConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(t)
	board, lists := seedBoard(t, ctx, srv)

	alice := connect(t, ctx, srv, "u1", board.ID)
	bob := connect(t, ctx, srv, "u2", board.ID)
	todo := addTasks(t, ctx, srv, lists[0], alice, bob)
	doing := addTasks(t, ctx, srv, lists[1], alice, bob)

	moves := []struct {
		taskID string
		listID string
		index  int
	}{
		{todo[0].ID, lists[1].ID, 0},
		{todo[1].ID, lists[1].ID, 2},
		{doing[2].ID, lists[1].ID, 1},
	}
	for _, mv := range moves {
		m, err := alice.store.MoveTaskLocal(mv.taskID, mv.listID, mv.index)
		require.NoError(t, err)
		require.NoError(t, alice.api.Send(ctx, m))
		alice.store.Confirm(m.ID)
		bob.await(t, events.TaskMoved)

		snap, err := srv.coord.Board(ctx, board.ID, domain.Actor{UserID: "u1"})
		require.NoError(t, err)
		require.Equal(t, orders(snap), orders(bob.store.Board()), "bob after moving %s", mv.taskID)
		require.Equal(t, orders(snap), orders(alice.store.Board()), "alice after moving %s", mv.taskID)
	}

	want := []string{todo[0].ID, doing[2].ID, doing[0].ID, todo[1].ID, doing[1].ID}
	require.Equal(t, want, layout(bob.store.Board())[lists[1].ID])
}

func TestRejectedMoveRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(t)
	board, lists := seedBoard(t, ctx, srv)
	alice := connect(t, ctx, srv, "u1", board.ID)
	tasks := addTasks(t, ctx, srv, lists[0], alice)
	require.Len(t, layout(alice.store.Board())[lists[0].ID], 3)

	require.NoError(t, srv.coord.DeleteTask(ctx, tasks[1].ID, domain.Actor{UserID: "u2"}))
	alice.await(t, events.TaskDeleted)

	// a sequence naming a task the server no longer has is refused
	stale := client.Mutation{ID: "stale", Kind: client.MoveTaskMutation, ListID: lists[1].ID, TaskID: tasks[0].ID,
		Sequence: []string{tasks[0].ID, tasks[1].ID}}
	err := alice.api.Send(ctx, stale)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)

	m, err := alice.store.MoveTaskLocal(tasks[0].ID, "missing-list", 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, m.ID)

	m, err = alice.store.MoveTaskLocal(tasks[0].ID, lists[1].ID, 0)
	require.NoError(t, err)
	require.True(t, alice.store.Reject(m.ID))
	want := map[string][]string{
		lists[0].ID: {tasks[0].ID, tasks[2].ID},
		lists[1].ID: {},
	}
	require.Equal(t, want, layout(alice.store.Board()))
}
