package core

import (
	"fmt"
	"sort"
	"time"
)

// Connection is one accepted transport connection.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

// User is the binding of a username to a connection and room.
type User struct {
	Username string
	ConnID   string
	Room     string
	JoinedAt time.Time
}

type connEntry struct {
	conn Connection
	user *User
}

// Registry maps connections to users. It is not safe for concurrent use;
// the Coordinator serializes access.
type Registry struct {
	conns  map[string]*connEntry
	byUser map[string]string // username → connection id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		byUser: make(map[string]string),
	}
}

// Register records a freshly accepted connection with no user bound.
func (r *Registry) Register(c Connection) error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("connection %s already registered", c.ID)
	}
	r.conns[c.ID] = &connEntry{conn: c}
	return nil
}

// Bind associates username and room with a registered connection.
func (r *Registry) Bind(connID, username, room string, at time.Time) error {
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}
	if e.user != nil {
		return fmt.Errorf("connection %s already bound to %q", connID, e.user.Username)
	}
	if _, taken := r.byUser[username]; taken {
		return fmt.Errorf("username %q already bound", username)
	}
	e.user = &User{Username: username, ConnID: connID, Room: room, JoinedAt: at}
	r.byUser[username] = connID
	return nil
}

// LookupByConnection returns the user bound to connID, if any.
func (r *Registry) LookupByConnection(connID string) (User, bool) {
	e, ok := r.conns[connID]
	if !ok || e.user == nil {
		return User{}, false
	}
	return *e.user, true
}

// LookupByUsername returns the user bound under username, if any.
func (r *Registry) LookupByUsername(username string) (User, bool) {
	connID, ok := r.byUser[username]
	if !ok {
		return User{}, false
	}
	return r.LookupByConnection(connID)
}

// UsernameTaken reports whether username is bound anywhere on the server.
func (r *Registry) UsernameTaken(username string) bool {
	_, ok := r.byUser[username]
	return ok
}

// Registered reports whether connID is a live connection.
func (r *Registry) Registered(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

// Unbind removes the connection and returns the user that was bound to it.
func (r *Registry) Unbind(connID string) (User, bool) {
	e, ok := r.conns[connID]
	if !ok {
		return User{}, false
	}
	delete(r.conns, connID)
	if e.user == nil {
		return User{}, false
	}
	delete(r.byUser, e.user.Username)
	return *e.user, true
}

// Release clears the user bound to connID but keeps the connection
// registered, so it may join again.
func (r *Registry) Release(connID string) (User, bool) {
	e, ok := r.conns[connID]
	if !ok || e.user == nil {
		return User{}, false
	}
	u := *e.user
	delete(r.byUser, u.Username)
	e.user = nil
	return u, true
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	return len(r.conns)
}

// UserCount returns the number of joined users.
func (r *Registry) UserCount() int {
	return len(r.byUser)
}

// Users returns all bound users ordered by username.
func (r *Registry) Users() []User {
	out := make([]User, 0, len(r.byUser))
	for _, connID := range r.byUser {
		out = append(out, *r.conns[connID].user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
