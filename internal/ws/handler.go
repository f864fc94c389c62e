package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"huddle/server/internal/protocol"
	"huddle/server/internal/session"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout  = 5 * time.Second
	maxFrameBytes = 1 << 16
)

// Handler owns websocket transport for chat rooms.
type Handler struct {
	gateway  *session.Gateway
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler admitting connections through gw.
// An empty allowedOrigins accepts any origin.
func NewHandler(gw *session.Gateway, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		gateway: gw,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/:room", h.HandleWebSocket)
}

// HandleWebSocket authenticates, upgrades, and serves one room connection
// until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	upgraded := false
	err := h.gateway.Connect(req.Context(), req, c.Param("room"), func() (session.Transport, error) {
		conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
		if err != nil {
			return nil, err
		}
		upgraded = true
		conn.SetReadLimit(maxFrameBytes)
		return newTransport(conn), nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrInvalidRoom):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room id")
	case errors.Is(err, session.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case !upgraded:
		// gorilla has already written the handshake error response.
		slog.Warn("websocket upgrade failed", "room", c.Param("room"), "remote", req.RemoteAddr, "err", err)
		return nil
	default:
		slog.Debug("websocket session ended", "room", c.Param("room"), "err", err)
		return nil
	}
}

// transport adapts a gorilla connection to session.Transport. Only the
// session writer calls Write; Close uses a control frame, which gorilla
// allows concurrently with other writers.
type transport struct {
	conn *websocket.Conn
	once sync.Once
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Read(_ context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *transport) Write(ctx context.Context, ev protocol.Event) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(ev)
}

func (t *transport) Close(reason string) error {
	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
