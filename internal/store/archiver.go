package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"chatbox/server/internal/protocol"
)

const (
	defaultArchiveQueue = 1024
	writeTimeout        = 5 * time.Second
)

type archived struct {
	room string
	msg  protocol.ChatMessage
}

// Archiver feeds appended messages to the store off the request path.
type Archiver struct {
	store   *Store
	queue   chan archived
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewArchiver returns an archiver writing to st. queueLen <= 0 selects the
// default queue length.
func NewArchiver(st *Store, queueLen int) *Archiver {
	if queueLen <= 0 {
		queueLen = defaultArchiveQueue
	}
	return &Archiver{
		store: st,
		queue: make(chan archived, queueLen),
		done:  make(chan struct{}),
	}
}

// Enqueue schedules msg for archiving. It never blocks; when the queue is
// full the message is dropped and counted.
func (a *Archiver) Enqueue(room string, msg protocol.ChatMessage) {
	select {
	case a.queue <- archived{room: room, msg: msg}:
	default:
		if a.dropped.Add(1) == 1 {
			slog.Warn("archive queue full, dropping messages", "room", room)
		}
	}
}

// Run writes queued messages until ctx is canceled, then drains what is
// already queued.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case item := <-a.queue:
			a.write(item)
		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

// Wait blocks until Run has returned or ctx expires.
func (a *Archiver) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many messages were discarded on a full queue.
func (a *Archiver) Dropped() uint64 { return a.dropped.Load() }

// Written reports how many messages reached the store.
func (a *Archiver) Written() uint64 { return a.written.Load() }

func (a *Archiver) drain() {
	for {
		select {
		case item := <-a.queue:
			a.write(item)
		default:
			slog.Debug("archive drained", "written", a.Written(), "dropped", a.Dropped())
			return
		}
	}
}

// write uses its own deadline; Run's context only signals stop.
func (a *Archiver) write(item archived) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := a.store.InsertMessage(ctx, item.room, item.msg); err != nil {
		slog.Error("archive message", "room", item.room, "msg_id", item.msg.ID, "err", err)
		return
	}
	a.written.Add(1)
}
