package core

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatbox/server/internal/protocol"
)

// Audience names who an event is addressed to: one connection or a room.
type Audience struct {
	ConnID string
	Room   string
}

// Delivery is one outbound event with its recipients resolved at the
// moment the producing mutation was applied.
type Delivery struct {
	Audience   Audience
	Recipients []string
	Event      protocol.Event
}

// MessageObserver is notified, outside the lock, of every appended message.
type MessageObserver func(room string, msg protocol.ChatMessage)

// Stats is a point-in-time view of server activity.
type Stats struct {
	OnlineUsers      int           `json:"online_users"`
	TotalMessages    int           `json:"total_messages"`
	MessagesSent     uint64        `json:"messages_sent"`
	Uptime           time.Duration `json:"-"`
	TotalConnections uint64        `json:"total_connections"`
	Connections      int           `json:"connections"`
	Rooms            int           `json:"rooms"`
	RateLimitEntries int           `json:"message_limits_count"`
}

// Options configures a Coordinator.
type Options struct {
	DefaultRoom     string
	HistoryOnJoin   int
	HistoryCapacity int
	Now             func() time.Time
	Observer        MessageObserver
}

// Coordinator applies session operations to the registry, room store and
// rate limiter under one mutex and reports what to emit.
type Coordinator struct {
	mu       sync.Mutex
	registry *Registry
	rooms    *RoomStore
	limiter  *RateLimiter

	defaultRoom   string
	historyOnJoin int
	now           func() time.Time
	observer      MessageObserver

	startedAt        time.Time
	totalConnections uint64
	messagesSent     uint64
}

// NewCoordinator returns a coordinator with the default room created.
func NewCoordinator(opts Options) *Coordinator {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = DefaultRoom
	}
	if opts.HistoryOnJoin <= 0 {
		opts.HistoryOnJoin = DefaultHistoryOnJoin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		registry:      NewRegistry(),
		rooms:         NewRoomStore(opts.HistoryCapacity),
		limiter:       NewRateLimiter(rateWindow, rateMaxSends),
		defaultRoom:   opts.DefaultRoom,
		historyOnJoin: opts.HistoryOnJoin,
		now:           opts.Now,
		observer:      opts.Observer,
	}
	c.startedAt = c.now()
	c.rooms.EnsureRoom(c.defaultRoom, c.startedAt)
	return c
}

// DefaultRoom returns the name of the always-present room.
func (c *Coordinator) DefaultRoom() string {
	return c.defaultRoom
}

// Connect registers a new transport connection and greets it.
func (c *Coordinator) Connect(connID, remoteAddr string) ([]Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if err := c.registry.Register(Connection{ID: connID, RemoteAddr: remoteAddr, ConnectedAt: now}); err != nil {
		return nil, internalError("Connection failed", err)
	}
	c.totalConnections++

	clientID := connID
	if len(clientID) > 8 {
		clientID = clientID[:8]
	}
	slog.Debug("connection registered", "conn_id", connID, "remote_addr", remoteAddr, "connections", c.registry.ConnectionCount())
	return []Delivery{c.toConn(connID, protocol.EventConnected, protocol.Connected{
		Message:    "Welcome to Chat-Box!",
		ServerTime: now,
		ClientID:   clientID,
	})}, nil
}

// Join binds a username to connID in roomName, suffixing the name when it
// is already taken. A nil username selects the default guest name.
func (c *Coordinator) Join(connID string, username *string, roomName string) ([]Delivery, error) {
	requested := defaultUsername
	if username != nil {
		requested = strings.TrimSpace(*username)
	}
	if requested == "" || utf8.RuneCountInString(requested) > maxUsernameLen {
		return nil, validationError("Invalid username")
	}
	roomName = strings.TrimSpace(roomName)
	if roomName == "" {
		roomName = c.defaultRoom
	}
	if utf8.RuneCountInString(roomName) > maxRoomNameLen {
		return nil, validationError("Invalid room name")
	}

	c.mu.Lock()
	out, msg, err := c.joinLocked(connID, requested, roomName)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(roomName, msg)
	return out, nil
}

func (c *Coordinator) joinLocked(connID, requested, roomName string) ([]Delivery, protocol.ChatMessage, error) {
	if !c.registry.Registered(connID) {
		return nil, protocol.ChatMessage{}, internalError("Internal server error", fmt.Errorf("connection %s not registered", connID))
	}
	if u, ok := c.registry.LookupByConnection(connID); ok {
		return nil, protocol.ChatMessage{}, validationError(fmt.Sprintf("Already joined as %s", u.Username))
	}

	name := c.resolveUsername(requested)
	now := c.now()
	c.rooms.EnsureRoom(roomName, now)
	if err := c.registry.Bind(connID, name, roomName, now); err != nil {
		return nil, protocol.ChatMessage{}, internalError("Internal server error", err)
	}
	if err := c.rooms.AddMember(roomName, name); err != nil {
		c.registry.Release(connID)
		return nil, protocol.ChatMessage{}, internalError("Internal server error", err)
	}
	welcome, err := c.rooms.AppendMessage(roomName, protocol.ChatMessage{
		Username:  protocol.SystemUsername,
		Message:   fmt.Sprintf("Welcome %s! Start chatting with everyone! 🎉", name),
		Type:      protocol.KindSystem,
		Timestamp: now,
	})
	if err != nil {
		return nil, protocol.ChatMessage{}, internalError("Internal server error", err)
	}

	members := c.rooms.Members(roomName)
	slog.Info("user joined", "conn_id", connID, "username", name, "requested", requested, "room", roomName, "members", len(members))
	return []Delivery{
		c.toConn(connID, protocol.EventJoinedSuccess, protocol.JoinedSuccess{Username: name, Room: roomName}),
		c.toRoom(roomName, protocol.EventUserJoined, protocol.Presence{Username: name, OnlineUsers: members}),
		c.toConn(connID, protocol.EventChatHistory, protocol.ChatHistory{Messages: c.rooms.RecentHistory(roomName, c.historyOnJoin)}),
		c.toConn(connID, protocol.EventOnlineUsers, protocol.OnlineUsers{Users: c.rooms.Members(roomName)}),
	}, welcome, nil
}

// resolveUsername probes name, name_1, name_2, ... until one is free.
func (c *Coordinator) resolveUsername(name string) string {
	candidate := name
	for i := 1; c.registry.UsernameTaken(candidate); i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	return candidate
}

// Send appends a message from username to its room and broadcasts it.
func (c *Coordinator) Send(connID string, req protocol.SendRequest) ([]Delivery, error) {
	kind := req.Type
	if kind == "" {
		kind = protocol.KindText
	}
	body := strings.TrimSpace(req.Message)

	c.mu.Lock()
	out, roomName, msg, err := c.sendLocked(connID, req.Username, body, kind, req.FileName)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(roomName, msg)
	return out, nil
}

func (c *Coordinator) sendLocked(connID, username, body, kind, fileName string) ([]Delivery, string, protocol.ChatMessage, error) {
	var none protocol.ChatMessage
	u, ok := c.registry.LookupByUsername(username)
	if !ok || u.ConnID != connID {
		return nil, "", none, notFoundError("User not found")
	}
	if !c.rooms.Exists(u.Room) {
		return nil, "", none, notFoundError("Room not found")
	}

	switch kind {
	case protocol.KindText:
		if body == "" {
			return nil, "", none, validationError("Message cannot be empty")
		}
	case protocol.KindImage, protocol.KindVideo:
		if float64(len(body))*base64DecodeRatio > maxMediaBytes {
			return nil, "", none, validationError("File too large. Max 5MB")
		}
	default:
		return nil, "", none, validationError("Unsupported message type")
	}

	now := c.now()
	if !c.limiter.Allow(u.Username, now) {
		slog.Debug("send rate limited", "username", u.Username, "room", u.Room)
		return nil, "", none, rateLimitError("Sending too fast. Slow down!")
	}

	msg, err := c.rooms.AppendMessage(u.Room, protocol.ChatMessage{
		Username:  u.Username,
		Message:   body,
		Type:      kind,
		FileName:  fileName,
		Timestamp: now,
	})
	if err != nil {
		return nil, "", none, internalError("Failed to send message", err)
	}
	c.messagesSent++

	if kind == protocol.KindText {
		slog.Debug("message sent", "username", u.Username, "room", u.Room, "msg_id", msg.ID)
	} else {
		slog.Debug("media sent", "username", u.Username, "room", u.Room, "type", kind, "file_name", fileName, "bytes", len(body))
	}
	return []Delivery{c.toRoom(u.Room, protocol.EventNewMessage, msg)}, u.Room, msg, nil
}

// Typing relays a typing indicator to the sender's room. Unknown users are
// ignored.
func (c *Coordinator) Typing(connID, username string, isTyping bool) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.registry.LookupByUsername(username)
	if !ok || u.ConnID != connID {
		return nil
	}
	return []Delivery{c.toRoom(u.Room, protocol.EventUserTyping, protocol.UserTyping{
		Username: u.Username,
		IsTyping: isTyping,
	})}
}

// Disconnect releases connID. Unknown connections are a no-op.
func (c *Coordinator) Disconnect(connID string) []Delivery {
	c.mu.Lock()
	out, roomName, msg, appended := c.disconnectLocked(connID)
	c.mu.Unlock()
	if appended {
		c.notify(roomName, msg)
	}
	return out
}

func (c *Coordinator) disconnectLocked(connID string) ([]Delivery, string, protocol.ChatMessage, bool) {
	u, ok := c.registry.Unbind(connID)
	if !ok {
		return nil, "", protocol.ChatMessage{}, false
	}
	c.limiter.Forget(u.Username)
	if !c.rooms.RemoveMember(u.Room, u.Username) {
		slog.Warn("user missing from room on disconnect", "username", u.Username, "room", u.Room)
		return nil, "", protocol.ChatMessage{}, false
	}

	goodbye, err := c.rooms.AppendMessage(u.Room, protocol.ChatMessage{
		Username:  protocol.SystemUsername,
		Message:   fmt.Sprintf("%s left the chat 👋", u.Username),
		Type:      protocol.KindSystem,
		Timestamp: c.now(),
	})
	appended := err == nil
	if err != nil {
		slog.Error("append leave notice", "username", u.Username, "room", u.Room, "err", err)
	}

	members := c.rooms.Members(u.Room)
	slog.Info("user left", "conn_id", connID, "username", u.Username, "room", u.Room, "remaining", len(members))
	return []Delivery{c.toRoom(u.Room, protocol.EventUserLeft, protocol.Presence{
		Username:    u.Username,
		OnlineUsers: members,
	})}, u.Room, goodbye, appended
}

// Stats returns counters read under the coordinator lock.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		OnlineUsers:      c.registry.UserCount(),
		TotalMessages:    c.rooms.TotalMessages(),
		MessagesSent:     c.messagesSent,
		Uptime:           c.now().Sub(c.startedAt),
		TotalConnections: c.totalConnections,
		Connections:      c.registry.ConnectionCount(),
		Rooms:            c.rooms.Count(),
		RateLimitEntries: c.limiter.Len(),
	}
}

// Rooms returns summaries of every room.
func (c *Coordinator) Rooms() []RoomSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms.Summaries()
}

// History returns the last limit messages of roomName.
func (c *Coordinator) History(roomName string, limit int) ([]protocol.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rooms.Exists(roomName) {
		return nil, notFoundError("Room not found")
	}
	return c.rooms.RecentHistory(roomName, limit), nil
}

// Members returns the ordered member list of roomName.
func (c *Coordinator) Members(roomName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms.Members(roomName)
}

// Users returns every joined user.
func (c *Coordinator) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Users()
}

func (c *Coordinator) toConn(connID, event string, data any) Delivery {
	return Delivery{
		Audience:   Audience{ConnID: connID},
		Recipients: []string{connID},
		Event:      protocol.Event{Event: event, Data: data},
	}
}

// toRoom resolves the room's current members to their connections.
func (c *Coordinator) toRoom(roomName, event string, data any) Delivery {
	members := c.rooms.Members(roomName)
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if u, ok := c.registry.LookupByUsername(m); ok {
			recipients = append(recipients, u.ConnID)
		}
	}
	return Delivery{
		Audience:   Audience{Room: roomName},
		Recipients: recipients,
		Event:      protocol.Event{Event: event, Data: data},
	}
}

func (c *Coordinator) notify(roomName string, msg protocol.ChatMessage) {
	if c.observer != nil {
		c.observer(roomName, msg)
	}
}
