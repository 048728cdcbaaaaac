package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/coordinator"
	"prism-board/domain"
)

// SocketIDHeader names the realtime connection of the caller so its own
// mutations are not echoed back on that connection.
const SocketIDHeader = "X-Socket-ID"

const requestMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, svc Service, auth Authenticator, deduper Deduper, logger *log.Logger) {
	h := &handlers{svc: svc, auth: auth, deduper: deduper, logger: logger}

	g := e.Group("/api", RequestMetrics(logger))
	g.POST("/reorder-lists", h.mutation(h.reorderLists))
	g.POST("/reorder-tasks", h.mutation(h.reorderTasks))
	g.POST("/move-task/:taskId", h.mutation(h.moveTask))

	g.POST("/boards", h.mutation(h.createBoard))
	g.GET("/boards/:boardId", h.read(h.getBoard))
	g.PATCH("/boards/:boardId", h.mutation(h.renameBoard))
	g.POST("/boards/:boardId/lists", h.mutation(h.createList))

	g.PATCH("/lists/:listId", h.mutation(h.renameList))
	g.DELETE("/lists/:listId", h.mutation(h.deleteList))
	g.POST("/lists/:listId/tasks", h.mutation(h.createTask))

	g.PATCH("/tasks/:taskId", h.mutation(h.updateTask))
	g.DELETE("/tasks/:taskId", h.mutation(h.deleteTask))
	g.POST("/tasks/:taskId/archive", h.mutation(h.toggleArchive))
	g.POST("/tasks/:taskId/complete", h.mutation(h.toggleComplete))
	g.PUT("/tasks/:taskId/assignees", h.mutation(h.setAssignees))

	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type handlers struct {
	svc     Service
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
}

// command runs one request for an authenticated actor and returns the
// success status and body. A nil body is sent as an empty response.
type command func(c echo.Context, actor domain.Actor) (int, any, error)

func (h *handlers) mutation(run command) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := h.actor(c)
		if err != nil {
			return unauthorized(c, err)
		}

		ctx := c.Request().Context()
		key := c.Request().Header.Get(IdempotencyHeader)
		if key != "" && h.deduper != nil {
			added, derr := h.deduper.Add(ctx, actor.UserID, key)
			switch {
			case derr != nil:
				h.logger.WithError(derr).WithField("actor", actor.UserID).Warn("idempotency check unavailable")
				key = ""
			case !added:
				c.Set(errorStageKey, "idempotency")
				return c.JSON(http.StatusConflict, errorResponse{Error: "Conflict", Message: "request already processed"})
			}
		} else {
			key = ""
		}

		start := time.Now()
		status, body, err := run(c, actor)
		metricsFrom(c).ObserveCommand(time.Since(start))
		if err != nil {
			if key != "" {
				if rerr := h.deduper.Remove(context.WithoutCancel(ctx), actor.UserID, key); rerr != nil {
					h.logger.WithError(rerr).WithField("actor", actor.UserID).Warn("unable to release idempotency key")
				}
			}
			return writeError(c, err, http.StatusUnprocessableEntity)
		}
		return respond(c, status, body)
	}
}

func (h *handlers) read(run command) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := h.actor(c)
		if err != nil {
			return unauthorized(c, err)
		}
		start := time.Now()
		status, body, err := run(c, actor)
		metricsFrom(c).ObserveCommand(time.Since(start))
		if err != nil {
			return writeError(c, err, http.StatusNotFound)
		}
		return respond(c, status, body)
	}
}

func (h *handlers) actor(c echo.Context) (domain.Actor, error) {
	start := time.Now()
	userID, err := h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metricsFrom(c).ObserveAuth(time.Since(start))
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{UserID: userID, SocketID: c.Request().Header.Get(SocketIDHeader)}, nil
}

func (h *handlers) reorderLists(c echo.Context, actor domain.Actor) (int, any, error) {
	var req reorderListsRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if req.BoardID == "" {
		return 0, nil, fmt.Errorf("%w: boardId is required", domain.ErrValidation)
	}
	out, err := h.svc.ReorderLists(c.Request().Context(), req.BoardID, req.Lists, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, reorderListsResponse{Lists: out}, nil
}

func (h *handlers) reorderTasks(c echo.Context, actor domain.Actor) (int, any, error) {
	var req reorderTasksRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if req.ListID == "" {
		return 0, nil, fmt.Errorf("%w: listId is required", domain.ErrValidation)
	}
	out, err := h.svc.ReorderTasks(c.Request().Context(), req.ListID, req.TaskIDs, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, reorderTasksResponse{Tasks: out}, nil
}

func (h *handlers) moveTask(c echo.Context, actor domain.Actor) (int, any, error) {
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	if req.NewListID == "" {
		return 0, nil, fmt.Errorf("%w: newListId is required", domain.ErrValidation)
	}
	task, err := h.svc.MoveTask(c.Request().Context(), c.Param("taskId"), req.NewListID, req.OrderInNewList, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, taskResponse{Task: task}, nil
}

func (h *handlers) getBoard(c echo.Context, actor domain.Actor) (int, any, error) {
	b, err := h.svc.Board(c.Request().Context(), c.Param("boardId"), actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, b, nil
}

func (h *handlers) createBoard(c echo.Context, actor domain.Actor) (int, any, error) {
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	b, err := h.svc.CreateBoard(c.Request().Context(), coordinator.NewBoard{
		Name:        req.Name,
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
		Members:     req.Members,
	}, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, b, nil
}

func (h *handlers) renameBoard(c echo.Context, actor domain.Actor) (int, any, error) {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	b, err := h.svc.RenameBoard(c.Request().Context(), c.Param("boardId"), req.Name, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, b, nil
}

func (h *handlers) createList(c echo.Context, actor domain.Actor) (int, any, error) {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	l, err := h.svc.CreateList(c.Request().Context(), c.Param("boardId"), req.Name, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, l, nil
}

func (h *handlers) renameList(c echo.Context, actor domain.Actor) (int, any, error) {
	var req nameRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	l, err := h.svc.RenameList(c.Request().Context(), c.Param("listId"), req.Name, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, l, nil
}

func (h *handlers) deleteList(c echo.Context, actor domain.Actor) (int, any, error) {
	if err := h.svc.DeleteList(c.Request().Context(), c.Param("listId"), actor); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *handlers) createTask(c echo.Context, actor domain.Actor) (int, any, error) {
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	t, err := h.svc.CreateTask(c.Request().Context(), c.Param("listId"), coordinator.NewTask{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		Priority:    req.Priority,
		Assignees:   req.Assignees,
	}, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, t, nil
}

func (h *handlers) updateTask(c echo.Context, actor domain.Actor) (int, any, error) {
	var req updateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	patch := domain.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		ClearDue:    req.ClearDueDate,
	}
	if req.Priority != nil {
		p, err := domain.ParsePriority(*req.Priority)
		if err != nil {
			return 0, nil, err
		}
		patch.Priority = &p
	}
	t, err := h.svc.UpdateTask(c.Request().Context(), c.Param("taskId"), patch, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, t, nil
}

func (h *handlers) deleteTask(c echo.Context, actor domain.Actor) (int, any, error) {
	if err := h.svc.DeleteTask(c.Request().Context(), c.Param("taskId"), actor); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (h *handlers) toggleArchive(c echo.Context, actor domain.Actor) (int, any, error) {
	t, err := h.svc.ToggleArchive(c.Request().Context(), c.Param("taskId"), actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, t, nil
}

func (h *handlers) toggleComplete(c echo.Context, actor domain.Actor) (int, any, error) {
	t, err := h.svc.ToggleComplete(c.Request().Context(), c.Param("taskId"), actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, t, nil
}

func (h *handlers) setAssignees(c echo.Context, actor domain.Actor) (int, any, error) {
	var req assigneesRequest
	if err := decodeBody(c, &req); err != nil {
		return 0, nil, err
	}
	t, err := h.svc.SetAssignees(c.Request().Context(), c.Param("taskId"), req.Assignees, actor)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, t, nil
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return "invalid body: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{err: err}
	}
	return nil
}

func respond(c echo.Context, status int, body any) error {
	if body == nil {
		return c.NoContent(status)
	}
	return c.JSON(status, body)
}

func unauthorized(c echo.Context, err error) error {
	c.Set(errorStageKey, "auth")
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: "Unauthorized", Message: err.Error()})
}

// writeError maps an error kind to its HTTP status. notFoundStatus differs
// between mutations (422) and reads (404).
func writeError(c echo.Context, err error, notFoundStatus int) error {
	var bad *badRequestError
	status := http.StatusInternalServerError
	kind := domain.Kind(err)
	msg := err.Error()
	switch {
	case errors.As(err, &bad):
		status, kind = http.StatusBadRequest, "BadRequest"
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		status = notFoundStatus
	case errors.Is(err, domain.ErrAuthorizationDenied):
		status = http.StatusForbidden
	default:
		kind, msg = "TransactionFailure", "transaction failure"
	}
	c.Set(errorKindKey, kind)
	return c.JSON(status, errorResponse{Error: kind, Message: msg})
}
