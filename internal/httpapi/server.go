package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"huddle/server/internal/core"
	"huddle/server/internal/session"
	"huddle/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	gateway  *session.Gateway
	registry *core.Registry
}

// New constructs an Echo app with the websocket endpoint and read-only
// room routes.
func New(gw *session.Gateway, allowedOrigins []string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, gateway: gw, registry: gw.Registry()}
	s.registerRoutes(allowedOrigins)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(allowedOrigins []string) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/rooms/:room/presence", s.handlePresence)
	ws.NewHandler(s.gateway, allowedOrigins).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.registry.ConnectionCount(),
	})
}

type roomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.registry.Rooms()
	if rooms == nil {
		rooms = []core.RoomInfo{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}

type presenceResponse struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

func (s *Server) handlePresence(c echo.Context) error {
	room, err := session.NormalizeRoom(c.Param("room"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room id")
	}
	snap := s.registry.Snapshot(room)
	users := snap.Users
	if users == nil {
		users = []string{}
	}
	return c.JSON(http.StatusOK, presenceResponse{Room: room, Users: users})
}
