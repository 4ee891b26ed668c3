package ws

import (
	"log/slog"
	"sync"
	"time"

	"chatbox/server/internal/core"
	"chatbox/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber queue may block.
const SendTimeout = 50 * time.Millisecond

// Hub fans deliveries out to the outbound queues of live connections.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]chan protocol.Event
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]chan protocol.Event)}
}

// Add creates the outbound queue for connID. After CloseAll the queue comes
// back already closed.
func (h *Hub) Add(connID string, sendBuf int) <-chan protocol.Event {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	ch := make(chan protocol.Event, sendBuf)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	if old, ok := h.conns[connID]; ok {
		close(old)
	}
	h.conns[connID] = ch
	h.mu.Unlock()
	return ch
}

// Remove closes and forgets the queue for connID.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.conns[connID]; ok {
		close(ch)
		delete(h.conns, connID)
	}
}

// Count returns the number of live queues.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every queue, which ends each connection's writer with a
// close frame, and refuses queues added later.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.conns {
		close(ch)
		delete(h.conns, id)
	}
}

// SendTo queues one event for one connection.
func (h *Hub) SendTo(connID string, ev protocol.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, ok := h.conns[connID]
	if !ok {
		return false
	}
	return trySend(ch, ev)
}

// Deliver queues every delivery in order. Recipients that have gone away
// since the delivery was produced are skipped.
//
// Sends happen under the read lock so Remove cannot close a queue mid-send.
func (h *Hub) Deliver(deliveries []core.Delivery) {
	for _, d := range deliveries {
		sent := 0
		h.mu.RLock()
		for _, id := range d.Recipients {
			if ch, ok := h.conns[id]; ok && trySend(ch, d.Event) {
				sent++
			}
		}
		h.mu.RUnlock()
		slog.Debug("deliver", "event", d.Event.Event, "room", d.Audience.Room, "recipients", sent, "total", len(d.Recipients))
	}
}

func trySend(ch chan<- protocol.Event, ev protocol.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(SendTimeout)
	defer timer.Stop()
	select {
	case ch <- ev:
		return true
	case <-timer.C:
		slog.Debug("trySend timeout", "event", ev.Event)
		return false
	}
}
