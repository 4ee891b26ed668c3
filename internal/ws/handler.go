package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"chatbox/server/internal/core"
	"chatbox/server/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Config tunes the websocket transport.
type Config struct {
	// ReadLimit caps one inbound frame; media arrives base64 encoded.
	// Frames above it close the connection with 1009 instead of getting
	// the size error event, so keep it well above the encoded media cap.
	ReadLimit int64
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// IdleTimeout closes connections that answer no ping for this long.
	// Zero disables pings and read deadlines.
	IdleTimeout time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ReadLimit:  16 << 20,
		SendBuffer: 64,
	}
}

// Handler owns websocket transport for the chat server.
type Handler struct {
	coord     *core.Coordinator
	hub       *Hub
	cfg       Config
	upgrader  websocket.Upgrader
	newConnID func() string
	active    atomic.Int64
}

// NewHandler creates a websocket handler that drives coord and delivers
// through hub.
func NewHandler(coord *core.Coordinator, hub *Hub, cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Handler{
		coord: coord,
		hub:   hub,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		newConnID: uuid.NewString,
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, c.RealIP())
	return nil
}

// Active returns the number of sessions whose cleanup has not finished.
func (h *Handler) Active() int {
	return int(h.active.Load())
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	h.active.Add(1)
	defer h.active.Add(-1)

	connID := h.newConnID()
	conn.SetReadLimit(h.cfg.ReadLimit)

	queue := h.hub.Add(connID, h.cfg.SendBuffer)
	greeting, err := h.coord.Connect(connID, remoteAddr)
	if err != nil {
		h.hub.Remove(connID)
		slog.Error("register connection", "conn_id", connID, "err", err)
		h.writeDirectError(conn, core.PublicMessage(err, "Connection failed"))
		_ = conn.Close()
		return
	}
	slog.Info("client connected", "conn_id", connID, "remote_addr", remoteAddr)

	writerDone := make(chan struct{})
	go h.writeLoop(conn, queue, writerDone)

	defer func() {
		left := h.coord.Disconnect(connID)
		h.hub.Remove(connID)
		h.hub.Deliver(left)
		<-writerDone
		_ = conn.Close()
		slog.Info("client disconnected", "conn_id", connID)
	}()

	h.hub.Deliver(greeting)

	if h.cfg.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		})
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("read failed", "conn_id", connID, "err", err)
			}
			return
		}
		var in protocol.Envelope
		if err := json.Unmarshal(frame, &in); err != nil {
			slog.Debug("malformed frame", "conn_id", connID, "bytes", len(frame), "err", err)
			h.sendError(connID, "Invalid payload")
			continue
		}
		h.handleInbound(connID, in)
	}
}

// writeLoop drains queue onto the socket until the hub closes it.
func (h *Handler) writeLoop(conn *websocket.Conn, queue <-chan protocol.Event, done chan<- struct{}) {
	defer close(done)

	var ping <-chan time.Time
	if h.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(h.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		ping = ticker.C
	}

	broken := false
	for {
		select {
		case ev, ok := <-queue:
			if !ok {
				if !broken {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeTimeout))
				}
				// Bounds the wait for the peer's close reply when the hub
				// closed the queue first.
				_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))
				return
			}
			if broken {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("write failed", "event", ev.Event, "err", err)
				broken = true
				// Unblocks the reader so the session is torn down.
				_ = conn.Close()
			}
		case <-ping:
			if broken {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				broken = true
				_ = conn.Close()
			}
		}
	}
}

func (h *Handler) handleInbound(connID string, in protocol.Envelope) {
	fallback := "Internal server error"
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling event", "conn_id", connID, "event", in.Event, "panic", r, "stack", string(debug.Stack()))
			h.sendError(connID, fallback)
		}
	}()

	switch in.Event {
	case protocol.EventJoinPublic:
		var req protocol.JoinRequest
		if !h.decode(connID, in, &req) {
			return
		}
		out, err := h.coord.Join(connID, req.Username, req.Room)
		h.finish(connID, in.Event, out, err, fallback)

	case protocol.EventSendMessage:
		fallback = "Failed to send message"
		var req protocol.SendRequest
		if !h.decode(connID, in, &req) {
			return
		}
		out, err := h.coord.Send(connID, req)
		h.finish(connID, in.Event, out, err, fallback)

	case protocol.EventTyping:
		var req protocol.TypingRequest
		if !h.decode(connID, in, &req) {
			return
		}
		h.hub.Deliver(h.coord.Typing(connID, req.Username, req.IsTyping))

	default:
		h.sendError(connID, "Unsupported event")
	}
}

func (h *Handler) decode(connID string, in protocol.Envelope, dst any) bool {
	if len(in.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(in.Data, dst); err != nil {
		slog.Debug("decode payload", "conn_id", connID, "event", in.Event, "err", err)
		h.sendError(connID, "Invalid payload")
		return false
	}
	return true
}

func (h *Handler) finish(connID, event string, out []core.Delivery, err error, fallback string) {
	if err != nil {
		if errors.Is(err, core.ErrInternal) {
			slog.Error("event failed", "conn_id", connID, "event", event, "err", err)
		} else {
			slog.Debug("event rejected", "conn_id", connID, "event", event, "err", err)
		}
		h.sendError(connID, core.PublicMessage(err, fallback))
		return
	}
	h.hub.Deliver(out)
}

func (h *Handler) sendError(connID, msg string) {
	h.hub.SendTo(connID, protocol.NewError(msg))
}

func (h *Handler) writeDirectError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.NewError(msg))
}
