// Package session drives a client connection through authentication, room
// membership, history replay and the inbound relay loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"huddle/server/internal/auth"
	"huddle/server/internal/core"
	"huddle/server/internal/protocol"
	"huddle/server/internal/store"
)

const (
	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultRateLimit is the sustained inbound frames per second allowed.
	DefaultRateLimit = 10
	// DefaultRateBurst is the inbound frame burst allowed.
	DefaultRateBurst = 20

	// JoinEvents is the user_list and joined notices queued ahead of
	// history on join.
	JoinEvents = 2
	// replaySlack leaves room for room traffic arriving during replay.
	replaySlack = 8
)

// Transport is one upgraded client connection carrying JSON frames.
type Transport interface {
	// Read blocks until the next inbound frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one outbound event.
	Write(ctx context.Context, ev protocol.Event) error
	// Close tears the connection down. It must unblock pending Read and
	// Write calls and tolerate repeated calls.
	Close(reason string) error
}

// Upgrader completes the transport handshake. It is only invoked once the
// caller is authenticated.
type Upgrader func() (Transport, error)

// Options tunes per-connection behavior. Zero fields take defaults.
type Options struct {
	HistoryLimit    int
	QueueSize       int
	MaxMessageRunes int
	RateLimit       rate.Limit
	RateBurst       int
	WriteTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = store.DefaultHistoryLimit
	}
	if o.QueueSize <= 0 {
		o.QueueSize = core.DefaultQueueSize
	}
	// History replay must never overflow the joiner's own queue.
	if floor := o.HistoryLimit + JoinEvents + replaySlack; o.QueueSize < floor {
		o.QueueSize = floor
	}
	if o.RateLimit <= 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = DefaultRateBurst
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Gateway admits connections into rooms.
type Gateway struct {
	registry *core.Registry
	auth     auth.Authenticator
	relay    *Relay
	history  *History
	opts     Options

	base     context.Context
	shutdown context.CancelFunc
}

// NewGateway wires a gateway over registry and st.
func NewGateway(registry *core.Registry, st MessageStore, authn auth.Authenticator, opts Options) *Gateway {
	opts = opts.withDefaults()
	base, shutdown := context.WithCancel(context.Background())
	return &Gateway{
		registry: registry,
		auth:     authn,
		relay:    NewRelay(registry, st, opts.MaxMessageRunes),
		history:  NewHistory(st, opts.HistoryLimit),
		opts:     opts,
		base:     base,
		shutdown: shutdown,
	}
}

// Shutdown disconnects every running session. Hijacked transports outlive
// the HTTP server's own shutdown, so the process calls this on exit.
func (g *Gateway) Shutdown() {
	g.shutdown()
}

// Registry returns the room registry sessions join.
func (g *Gateway) Registry() *core.Registry {
	return g.registry
}

// Authenticate resolves the identity behind r. Failures wrap
// ErrUnauthenticated.
func (g *Gateway) Authenticate(r *http.Request) (string, error) {
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return identity, nil
}

// Connect authenticates r, upgrades the transport, and serves the session
// in room until it ends. ErrInvalidRoom and ErrUnauthenticated are returned
// before upgrade is called, so the caller can still answer over HTTP.
func (g *Gateway) Connect(ctx context.Context, r *http.Request, room string, upgrade Upgrader) error {
	room, err := NormalizeRoom(room)
	if err != nil {
		return err
	}
	identity, err := g.Authenticate(r)
	if err != nil {
		slog.Warn("connection rejected", "room", room, "remote", r.RemoteAddr, "err", err)
		return err
	}

	t, err := upgrade()
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	return g.Open(room, identity, t).Run(ctx)
}

// Open creates an authenticated session for identity in room over t. The
// session is not joined until Run is called.
func (g *Gateway) Open(room, identity string, t Transport) *Session {
	s := &Session{
		gw:        g,
		conn:      core.NewConn(room, identity, g.opts.QueueSize),
		transport: t,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

// State is a session's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one connection's membership in a room.
type Session struct {
	gw        *Gateway
	conn      *core.Conn
	transport Transport
	state     atomic.Int32

	mu     sync.Mutex // guards closed against Join
	closed bool
	done   chan struct{}
}

// Conn returns the registry connection backing s.
func (s *Session) Conn() *core.Conn { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has started leaving.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run joins the room, replays history, and relays inbound frames until the
// transport fails, the context ends, or the session is disconnected.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.gw.base, cancel)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.watch(ctx)
	}()
	defer wg.Wait()

	if !s.joinAndReplay(ctx) {
		return nil
	}
	s.state.CompareAndSwap(int32(StateJoined), int32(StateActive))

	err := s.readLoop(ctx)
	s.Disconnect("connection closed")
	return err
}

// joinAndReplay joins the room and queues history while the room's chat
// relay is held. A chat is then either in the replayed window or delivered
// live after it, never both.
func (s *Session) joinAndReplay(ctx context.Context) bool {
	c := s.conn
	unlock := s.gw.relay.lockRoom(c.Room)
	defer unlock()
	if !s.join() {
		return false
	}
	if n, err := s.gw.history.Replay(ctx, c); err != nil {
		slog.Warn("history replay failed", "room", c.Room, "conn_id", c.ID, "err", err)
	} else if n > 0 {
		slog.Debug("history replayed", "room", c.Room, "conn_id", c.ID, "messages", n)
	}
	return true
}

func (s *Session) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.gw.registry.Join(s.conn)
	s.state.Store(int32(StateJoined))
	return true
}

func (s *Session) readLoop(ctx context.Context) error {
	c := s.conn
	limiter := rate.NewLimiter(s.gw.opts.RateLimit, s.gw.opts.RateBurst)
	for {
		data, err := s.transport.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		if !limiter.Allow() {
			slog.Debug("inbound frame rate limited", "room", c.Room, "conn_id", c.ID, "identity", c.Identity)
			continue
		}

		effect, err := s.gw.relay.Handle(ctx, c, data)
		switch {
		case errors.Is(err, ErrStoreUnavailable):
			slog.Warn("chat message dropped", "room", c.Room, "conn_id", c.ID, "identity", c.Identity, "err", err)
		case err != nil:
			slog.Debug("inbound frame ignored", "room", c.Room, "conn_id", c.ID, "err", err)
		default:
			slog.Debug("inbound frame handled", "room", c.Room, "conn_id", c.ID, "effect", effect.String())
		}
	}
}

// watch tears the session down on shutdown or eviction. Closing the
// transport unblocks a writer stuck on a stalled peer.
func (s *Session) watch(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Disconnect("server shutting down")
	case <-s.conn.Evicted():
		s.Disconnect("slow consumer")
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	c := s.conn
	for {
		select {
		case <-s.done:
			return
		case ev := <-c.Outbox():
			wctx, cancel := context.WithTimeout(ctx, s.gw.opts.WriteTimeout)
			err := s.transport.Write(wctx, ev)
			cancel()
			if err != nil {
				slog.Debug("write failed", "room", c.Room, "conn_id", c.ID, "err", err)
				s.Disconnect("write failed")
				return
			}
		}
	}
}

// Disconnect leaves the room and closes the transport. Only the first call
// has any effect and reports true.
func (s *Session) Disconnect(reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.state.Store(int32(StateLeaving))
	close(s.done)
	s.mu.Unlock()

	c := s.conn
	s.gw.registry.Leave(c)
	if err := s.transport.Close(reason); err != nil {
		slog.Debug("transport close", "conn_id", c.ID, "err", err)
	}
	s.state.Store(int32(StateClosed))
	slog.Info("session closed", "room", c.Room, "conn_id", c.ID, "identity", c.Identity, "reason", reason)
	return true
}
