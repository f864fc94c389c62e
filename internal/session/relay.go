package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"huddle/server/internal/core"
	"huddle/server/internal/protocol"
	"huddle/server/internal/store"
)

// DefaultMaxMessageRunes caps chat content length.
const DefaultMaxMessageRunes = 4000

const roomStripes = 64

// MessageStore is the durable log chat lines are written to and history is
// read from. store.Log satisfies it.
type MessageStore interface {
	Append(ctx context.Context, room, author, content string) (time.Time, error)
	Query(ctx context.Context, room string, limit int) ([]store.Message, error)
}

// Effect reports what the relay did with one inbound frame.
type Effect int

const (
	// EffectDropped means the frame had no visible effect.
	EffectDropped Effect = iota
	// EffectBroadcast means an event was published without persistence.
	EffectBroadcast
	// EffectPersisted means the frame was stored and then published.
	EffectPersisted
)

func (e Effect) String() string {
	switch e {
	case EffectBroadcast:
		return "broadcast"
	case EffectPersisted:
		return "persisted"
	default:
		return "dropped"
	}
}

// Relay classifies inbound frames from joined connections and routes them.
type Relay struct {
	registry *core.Registry
	store    MessageStore
	maxRunes int

	// stripes order a room's append-then-publish against a joiner's
	// join-then-query, so each chat reaches a joiner exactly once.
	stripes [roomStripes]sync.Mutex
}

// NewRelay returns a relay publishing through registry. maxRunes <= 0 uses
// DefaultMaxMessageRunes.
func NewRelay(registry *core.Registry, st MessageStore, maxRunes int) *Relay {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxMessageRunes
	}
	return &Relay{registry: registry, store: st, maxRunes: maxRunes}
}

// Handle processes one raw frame sent by c. The returned error wraps
// ErrMalformedPayload or ErrStoreUnavailable and is never fatal to c.
func (r *Relay) Handle(ctx context.Context, c *core.Conn, payload []byte) (Effect, error) {
	msg, err := protocol.DecodeInbound(payload)
	if err != nil {
		return EffectDropped, err
	}

	switch m := msg.(type) {
	case protocol.ChatMessage:
		return r.chat(ctx, c, m)
	case protocol.Typing:
		r.registry.Publish(c.Room, protocol.NewTyping(c.Identity, m.IsTyping))
		return EffectBroadcast, nil
	default:
		return EffectDropped, fmt.Errorf("%w: unhandled %s", ErrMalformedPayload, msg.Kind())
	}
}

// lockRoom serializes room's chat persistence with history snapshots.
func (r *Relay) lockRoom(room string) (unlock func()) {
	mu := &r.stripes[xxhash.Sum64String(room)%roomStripes]
	mu.Lock()
	return mu.Unlock
}

func (r *Relay) chat(ctx context.Context, c *core.Conn, m protocol.ChatMessage) (Effect, error) {
	content := m.Message
	if strings.TrimSpace(content) == "" {
		return EffectDropped, fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	if n := utf8.RuneCountInString(content); n > r.maxRunes {
		return EffectDropped, fmt.Errorf("%w: message has %d runes, limit %d", ErrMalformedPayload, n, r.maxRunes)
	}

	unlock := r.lockRoom(c.Room)
	defer unlock()
	if _, err := r.store.Append(ctx, c.Room, c.Identity, content); err != nil {
		return EffectDropped, fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}

	n := r.registry.Publish(c.Room, protocol.NewChat(c.Identity, content))
	slog.Debug("chat relayed", "room", c.Room, "identity", c.Identity, "recipients", n)
	return EffectPersisted, nil
}
