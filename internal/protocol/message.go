package protocol

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventJoinPublic  = "join_public"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
)

// Outbound event names.
const (
	EventConnected     = "connected"
	EventJoinedSuccess = "joined_success"
	EventUserJoined    = "user_joined"
	EventChatHistory   = "chat_history"
	EventOnlineUsers   = "online_users"
	EventNewMessage    = "new_message"
	EventUserTyping    = "user_typing"
	EventUserLeft      = "user_left"
	EventError         = "error"
)

// Message kinds.
const (
	KindText   = "text"
	KindImage  = "image"
	KindVideo  = "video"
	KindSystem = "system"
)

// SystemUsername is the author of generated join/leave notices.
const SystemUsername = "🤖 Chat-Bot"

// Envelope is the JSON frame exchanged over the websocket.
// Inbound frames keep Data raw until the event name is known.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one outbound frame.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinRequest is the join_public payload. A nil Username means the field
// was absent.
type JoinRequest struct {
	Username *string `json:"username"`
	Room     string  `json:"room,omitempty"`
}

// SendRequest is the send_message payload.
type SendRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	FileName string `json:"file_name,omitempty"`
}

// TypingRequest is the typing payload.
type TypingRequest struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// ChatMessage is one entry of a room history.
type ChatMessage struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	FileName  string    `json:"file_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Connected struct {
	Message    string    `json:"message"`
	ServerTime time.Time `json:"server_time"`
	ClientID   string    `json:"client_id"`
}

type JoinedSuccess struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// Presence is the payload of user_joined and user_left.
type Presence struct {
	Username    string   `json:"username"`
	OnlineUsers []string `json:"online_users"`
}

type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
}

type UserTyping struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type Error struct {
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(msg string) Event {
	return Event{Event: EventError, Data: Error{Message: msg}}
}
