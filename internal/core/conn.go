package core

import (
	"log/slog"
	"sync"

	"huddle/server/internal/protocol"

	"github.com/google/uuid"
)

// DefaultQueueSize is the outbound queue length used when none is given.
const DefaultQueueSize = 256

// Conn is one live client connection as seen by the registry. The gateway
// owns it; the registry only holds references while it is joined.
type Conn struct {
	ID       string
	Room     string
	Identity string

	out       chan protocol.Event
	evicted   chan struct{}
	evictOnce sync.Once
}

// NewConn returns a connection for identity in room with an outbound queue
// of queueSize events.
func NewConn(room, identity string, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		ID:       uuid.NewString(),
		Room:     room,
		Identity: identity,
		out:      make(chan protocol.Event, queueSize),
		evicted:  make(chan struct{}),
	}
}

// Outbox is drained by the connection's writer.
func (c *Conn) Outbox() <-chan protocol.Event {
	return c.out
}

// Evicted is closed once the connection has fallen behind and must be
// torn down by its owner.
func (c *Conn) Evicted() <-chan struct{} {
	return c.evicted
}

// Deliver enqueues ev without blocking. A full queue evicts the connection
// and the event is dropped for it.
func (c *Conn) Deliver(ev protocol.Event) bool {
	select {
	case <-c.evicted:
		return false
	default:
	}

	select {
	case c.out <- ev:
		return true
	default:
		c.evict()
		return false
	}
}

func (c *Conn) evict() {
	c.evictOnce.Do(func() {
		close(c.evicted)
		slog.Warn("slow consumer evicted", "conn_id", c.ID, "room", c.Room, "identity", c.Identity)
	})
}
