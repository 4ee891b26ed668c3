package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatbox/server/internal/core"
	"chatbox/server/internal/protocol"
	"chatbox/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	shutdownTimeout     = 5 * time.Second
	drainPoll           = 20 * time.Millisecond
)

// Server is the Echo application.
type Server struct {
	echo        *echo.Echo
	coord       *core.Coordinator
	hub         *ws.Hub
	ws          *ws.Handler
	now         func() time.Time
	fingerprint string
}

// New constructs an Echo app with websocket + REST routes.
func New(coord *core.Coordinator, hub *ws.Hub, wsCfg ws.Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "remote_ip", v.RemoteIP}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, coord: coord, hub: hub, now: time.Now}
	s.registerRoutes(wsCfg)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(wsCfg ws.Config) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/rooms/:name/history", s.handleHistory)
	s.ws = ws.NewHandler(s.coord, s.hub, wsCfg)
	s.ws.Register(s.echo)
}

// SetTLSFingerprint publishes the certificate fingerprint on /health so
// clients can pin a self-signed certificate. Call before serving.
func (s *Server) SetTLSFingerprint(fp string) {
	s.fingerprint = fp
}

// Run serves on addr until ctx is canceled or startup fails. A non-nil
// tlsConfig switches the listener to HTTPS.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, tlsConfig)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.echo.Listener = ln
	slog.Info("listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)

	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start("")
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
		return nil
	}
}

// Shutdown stops accepting requests, then closes every websocket session
// and waits until their disconnects have been applied.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}

	s.hub.CloseAll()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.ws.Active() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain websocket sessions: %d left: %w", s.ws.Active(), ctx.Err())
		case <-ticker.C:
		}
	}
	slog.Debug("websocket sessions drained")
	return nil
}

// ActiveSessions returns the number of websocket sessions still running.
func (s *Server) ActiveSessions() int {
	return s.ws.Active()
}

type healthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Uptime         float64   `json:"uptime"`
	TLSFingerprint string    `json:"tls_fingerprint,omitempty"`
	core.Stats
}

func (s *Server) handleHealth(c echo.Context) error {
	stats := s.coord.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:         "healthy",
		Timestamp:      s.now().UTC(),
		Uptime:         stats.Uptime.Seconds(),
		TLSFingerprint: s.fingerprint,
		Stats:          stats,
	})
}

type roomsResponse struct {
	Rooms []core.RoomSummary `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.coord.Rooms()
	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}

type historyResponse struct {
	Room     string                 `json:"room"`
	Messages []protocol.ChatMessage `json:"messages"`
}

func (s *Server) handleHistory(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := s.coord.History(name, limit)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, core.PublicMessage(err, ""))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, core.PublicMessage(err, ""))
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	return c.JSON(http.StatusOK, historyResponse{Room: name, Messages: msgs})
}
