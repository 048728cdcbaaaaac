package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"

	"prism-board/domain"
	"prism-board/ordering"
)

// APIError is a non-2xx response of the board API.
type APIError struct {
	Status  int    `json:"-"`
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// API wraps http.Client with the board endpoints.
type API struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client

	mu       sync.RWMutex
	socketID string
}

// NewAPI creates a client for the service at baseURL.
func NewAPI(baseURL, bearer string) *API {
	return &API{BaseURL: baseURL, Bearer: bearer, HTTP: &http.Client{}}
}

// SetSocketID records the realtime connection id announced by the stream so
// the server does not echo this client's own mutations back to it.
func (a *API) SetSocketID(id string) {
	a.mu.Lock()
	a.socketID = id
	a.mu.Unlock()
}

// SocketID returns the connection id sent with mutations.
func (a *API) SocketID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.socketID
}

// Board fetches the active view of a board.
func (a *API) Board(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := a.do(ctx, http.MethodGet, "/api/boards/"+boardID, "", nil, &b)
	return b, err
}

// Send dispatches a local mutation. The mutation id doubles as the
// idempotency key, so a retried send is rejected rather than applied twice.
func (a *API) Send(ctx context.Context, m Mutation) error {
	switch m.Kind {
	case MoveTaskMutation:
		body := map[string]any{"newListId": m.ListID, "orderInNewList": m.Sequence}
		return a.do(ctx, http.MethodPost, "/api/move-task/"+m.TaskID, m.ID, body, nil)
	case ReorderTasksMutation:
		body := map[string]any{"listId": m.ListID, "taskIds": m.Sequence}
		return a.do(ctx, http.MethodPost, "/api/reorder-tasks", m.ID, body, nil)
	case ReorderListsMutation:
		lists := make([]domain.Position, len(m.Sequence))
		for i, as := range ordering.Renumber(m.Sequence) {
			lists[i] = domain.Position{ID: as.ID, Order: as.Order}
		}
		body := map[string]any{"boardId": m.BoardID, "lists": lists}
		return a.do(ctx, http.MethodPost, "/api/reorder-lists", m.ID, body, nil)
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

func (a *API) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := sonic.ConfigStd.NewEncoder(buf).Encode(body); err != nil {
			return err
		}
		rd = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+a.Bearer)
	}
	if id := a.SocketID(); id != "" {
		req.Header.Set("X-Socket-ID", id)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := sonic.Unmarshal(raw, apiErr); err != nil || apiErr.Kind == "" {
			apiErr.Kind = http.StatusText(resp.StatusCode)
			apiErr.Message = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}
	if out != nil {
		return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
