package session

import (
	"context"
	"fmt"

	"huddle/server/internal/core"
	"huddle/server/internal/protocol"
	"huddle/server/internal/store"
)

// History replays recent room messages to a single connection.
type History struct {
	store MessageStore
	limit int
}

// NewHistory returns a loader that replays up to limit messages.
func NewHistory(st MessageStore, limit int) *History {
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	return &History{store: st, limit: limit}
}

// Replay delivers the newest messages of c's room to c only, oldest first,
// and returns how many were queued. A failed query replays nothing.
func (h *History) Replay(ctx context.Context, c *core.Conn) (int, error) {
	msgs, err := h.store.Query(ctx, c.Room, h.limit)
	if err != nil {
		return 0, fmt.Errorf("%w: query: %v", ErrStoreUnavailable, err)
	}
	n := 0
	for _, m := range msgs {
		if !c.Deliver(protocol.NewChat(m.Author, m.Content)) {
			break
		}
		n++
	}
	return n, nil
}
