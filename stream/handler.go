package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// ConnectionEstablished is the first frame of every stream. Its data carries
// the socket id the client sends back in X-Socket-ID so its own mutations are
// not echoed to it.
const ConnectionEstablished = "connection.established"

// Authenticator resolves the user behind an Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// BoardAccess checks that a user may watch a board.
type BoardAccess interface {
	Board(ctx context.Context, boardID string, actor domain.Actor) (domain.Board, error)
}

// Config tunes the stream endpoint.
type Config struct {
	Keepalive   time.Duration
	NewSocketID func() string
}

// Established is the data of the connection.established frame.
type Established struct {
	SocketID string `json:"socket_id"`
	BoardID  string `json:"board_id"`
}

// Register wires the stream endpoint on the given Echo instance.
func Register(e *echo.Echo, hub *Hub, auth Authenticator, access BoardAccess, logger *log.Logger, cfg Config) {
	e.GET("/stream/boards/:boardId", streamBoard(hub, auth, access, logger, cfg))
}

func streamBoard(hub *Hub, auth Authenticator, access BoardAccess, logger *log.Logger, cfg Config) echo.HandlerFunc {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	if cfg.NewSocketID == nil {
		cfg.NewSocketID = uuid.NewString
	}
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may come as a query parameter.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		ctx := c.Request().Context()
		boardID := c.Param("boardId")
		if _, err := access.Board(ctx, boardID, domain.Actor{UserID: userID}); err != nil {
			switch {
			case errors.Is(err, domain.ErrAuthorizationDenied):
				return c.String(http.StatusForbidden, err.Error())
			case errors.Is(err, domain.ErrNotFound):
				return c.String(http.StatusNotFound, err.Error())
			default:
				logger.WithError(err).WithField("board", boardID).Error("stream access check failed")
				return c.String(http.StatusInternalServerError, "internal error")
			}
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)

		socketID := cfg.NewSocketID()
		sub := hub.Subscribe(boardID, socketID)
		defer sub.Close()

		hello, err := sonic.Marshal(Established{SocketID: socketID, BoardID: boardID})
		if err != nil {
			return err
		}
		if err := writeFrame(c.Response(), Frame{Event: ConnectionEstablished, Data: hello}); err != nil {
			return nil
		}
		flusher.Flush()

		logger.WithFields(log.Fields{"board": boardID, "socket": socketID, "actor": userID}).Debug("stream opened")
		defer logger.WithFields(log.Fields{"board": boardID, "socket": socketID}).Debug("stream closed")

		keepalive := time.NewTicker(cfg.Keepalive)
		defer keepalive.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-sub.C:
				if err := writeFrame(c.Response(), f); err != nil {
					return nil
				}
			case <-keepalive.C:
				if _, err := io.WriteString(c.Response(), ": keepalive\n\n"); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w io.Writer, f Frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return err
}
