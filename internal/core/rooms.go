package core

import (
	"fmt"
	"sort"
	"time"

	"chatbox/server/internal/protocol"
)

type room struct {
	name      string
	members   []string
	history   []protocol.ChatMessage
	createdAt time.Time
}

// RoomSummary describes one room for status queries.
type RoomSummary struct {
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomStore holds room membership and bounded history.
// It is not safe for concurrent use.
type RoomStore struct {
	rooms    map[string]*room
	capacity int
}

// NewRoomStore returns a store whose rooms retain at most capacity messages.
func NewRoomStore(capacity int) *RoomStore {
	if capacity <= 0 {
		capacity = historyCapacity
	}
	return &RoomStore{rooms: make(map[string]*room), capacity: capacity}
}

// EnsureRoom creates the room if it does not exist yet.
func (s *RoomStore) EnsureRoom(name string, at time.Time) {
	if _, ok := s.rooms[name]; ok {
		return
	}
	s.rooms[name] = &room{name: name, createdAt: at}
}

// Exists reports whether the room has been created.
func (s *RoomStore) Exists(name string) bool {
	_, ok := s.rooms[name]
	return ok
}

// AddMember appends username to the room unless already present.
func (s *RoomStore) AddMember(roomName, username string) error {
	r, ok := s.rooms[roomName]
	if !ok {
		return fmt.Errorf("room %q not found", roomName)
	}
	for _, m := range r.members {
		if m == username {
			return nil
		}
	}
	r.members = append(r.members, username)
	return nil
}

// RemoveMember removes username from the room. Absent members are ignored.
func (s *RoomStore) RemoveMember(roomName, username string) bool {
	r, ok := s.rooms[roomName]
	if !ok {
		return false
	}
	for i, m := range r.members {
		if m == username {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

// AppendMessage assigns the next display id, appends msg and evicts the
// oldest entries beyond capacity. Ids are not renumbered after eviction.
func (s *RoomStore) AppendMessage(roomName string, msg protocol.ChatMessage) (protocol.ChatMessage, error) {
	r, ok := s.rooms[roomName]
	if !ok {
		return protocol.ChatMessage{}, fmt.Errorf("room %q not found", roomName)
	}
	msg.ID = len(r.history) + 1
	r.history = append(r.history, msg)
	if over := len(r.history) - s.capacity; over > 0 {
		n := copy(r.history, r.history[over:])
		clear(r.history[n:])
		r.history = r.history[:n]
	}
	return msg, nil
}

// RecentHistory returns a copy of the last limit messages in append order.
func (s *RoomStore) RecentHistory(roomName string, limit int) []protocol.ChatMessage {
	r, ok := s.rooms[roomName]
	if !ok {
		return []protocol.ChatMessage{}
	}
	start := 0
	if limit >= 0 && limit < len(r.history) {
		start = len(r.history) - limit
	}
	out := make([]protocol.ChatMessage, len(r.history)-start)
	copy(out, r.history[start:])
	return out
}

// Members returns a copy of the room's members in join order.
func (s *RoomStore) Members(roomName string) []string {
	r, ok := s.rooms[roomName]
	if !ok {
		return []string{}
	}
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Count returns the number of rooms.
func (s *RoomStore) Count() int {
	return len(s.rooms)
}

// TotalMessages returns the number of retained messages across all rooms.
func (s *RoomStore) TotalMessages() int {
	n := 0
	for _, r := range s.rooms {
		n += len(r.history)
	}
	return n
}

// Summaries returns every room ordered by name.
func (s *RoomStore) Summaries() []RoomSummary {
	out := make([]RoomSummary, 0, len(s.rooms))
	for _, r := range s.rooms {
		members := make([]string, len(r.members))
		copy(members, r.members)
		out = append(out, RoomSummary{
			Name:      r.name,
			Members:   members,
			Messages:  len(r.history),
			CreatedAt: r.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
