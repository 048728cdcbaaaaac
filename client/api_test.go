package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method, path string
	auth         string
	socketID     string
	idempotency  string
	body         map[string]any
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.socketID = r.Header.Get("X-Socket-ID")
		got.idempotency = r.Header.Get("Idempotency-Key")
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			require.NoError(t, sonic.Unmarshal(raw, &got.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSendMutations(t *testing.T) {
	tests := []struct {
		name string
		m    Mutation
		path string
		body map[string]any
	}{
		{
			name: "move",
			m:    Mutation{ID: "m1", Kind: MoveTaskMutation, ListID: "L2", TaskID: "T1", Sequence: []string{"T4", "T1"}},
			path: "/api/move-task/T1",
			body: map[string]any{"newListId": "L2", "orderInNewList": []any{"T4", "T1"}},
		},
		{
			name: "reorder tasks",
			m:    Mutation{ID: "m2", Kind: ReorderTasksMutation, ListID: "L1", TaskID: "T3", Sequence: []string{"T3", "T1"}},
			path: "/api/reorder-tasks",
			body: map[string]any{"listId": "L1", "taskIds": []any{"T3", "T1"}},
		},
		{
			name: "reorder lists",
			m:    Mutation{ID: "m3", Kind: ReorderListsMutation, BoardID: "b1", ListID: "L2", Sequence: []string{"L2", "L1"}},
			path: "/api/reorder-lists",
			body: map[string]any{"boardId": "b1", "lists": []any{
				map[string]any{"id": "L2", "order": float64(0)},
				map[string]any{"id": "L1", "order": float64(1)},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, got := captureServer(t, http.StatusOK, `{}`)
			a := NewAPI(srv.URL, "tok")
			a.SetSocketID("sock-1")

			require.NoError(t, a.Send(context.Background(), tt.m))
			require.Equal(t, http.MethodPost, got.method)
			require.Equal(t, tt.path, got.path)
			require.Equal(t, "Bearer tok", got.auth)
			require.Equal(t, "sock-1", got.socketID)
			require.Equal(t, tt.m.ID, got.idempotency)
			require.Equal(t, tt.body, got.body)
		})
	}
}

func TestSendUnknownKind(t *testing.T) {
	a := NewAPI("http://127.0.0.1:0", "")
	require.Error(t, a.Send(context.Background(), Mutation{Kind: "rename"}))
}

func TestSendErrorResponse(t *testing.T) {
	srv, _ := captureServer(t, http.StatusUnprocessableEntity, `{"error":"ValidationFailure","message":"sequence mismatch"}`)
	a := NewAPI(srv.URL, "tok")

	err := a.Send(context.Background(), Mutation{ID: "m1", Kind: ReorderTasksMutation, ListID: "L1", Sequence: []string{"T1"}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "ValidationFailure", apiErr.Kind)
	require.Equal(t, "sequence mismatch", apiErr.Message)
}

func TestSendPlainErrorResponse(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway, "upstream down")
	err := NewAPI(srv.URL, "").Send(context.Background(), Mutation{ID: "m1", Kind: ReorderTasksMutation})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Bad Gateway", apiErr.Kind)
	require.Equal(t, "upstream down", apiErr.Message)
}

func TestBoard(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK,
		`{"id":"b1","name":"Roadmap","lists":[{"id":"L1","board_id":"b1","name":"Todo","order":0,"tasks":[{"id":"T1","board_id":"b1","list_id":"L1","title":"one","priority":"high","order":0}]}]}`)

	b, err := NewAPI(srv.URL, "tok").Board(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, got.method)
	require.Equal(t, "/api/boards/b1", got.path)
	require.Empty(t, got.idempotency)
	require.Equal(t, "Roadmap", b.Name)
	require.Len(t, b.Lists, 1)
	require.Equal(t, "one", b.Lists[0].Tasks[0].Title)
}

func TestListen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connection.established\ndata: {\"socket_id\":\"s1\",\"board_id\":\"b1\"}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: task.deleted\ndata: {\"task_id\":\"T1\",\n")
		fmt.Fprint(w, "data: \"list_id\":\"L1\"}\n\n")
		fmt.Fprint(w, "data: bare\n\n")
	}))
	defer srv.Close()

	var frames []Frame
	err := Listen(context.Background(), nil, srv.URL, "tok", func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, "connection.established", frames[0].Event)
	require.JSONEq(t, `{"socket_id":"s1","board_id":"b1"}`, string(frames[0].Data))
	require.Equal(t, "task.deleted", frames[1].Event)
	require.Equal(t, "{\"task_id\":\"T1\",\n\"list_id\":\"L1\"}", string(frames[1].Data))
	require.Equal(t, "message", frames[2].Event)
}

func TestListenStopsOnHandlerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	err := Listen(context.Background(), srv.Client(), srv.URL, "", func(Frame) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestListenRejectsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := Listen(context.Background(), nil, srv.URL, "", func(Frame) error { return nil })
	require.ErrorContains(t, err, "403")
}
