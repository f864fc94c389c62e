package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"huddle/server/internal/auth"
	"huddle/server/internal/core"
	"huddle/server/internal/protocol"
	"huddle/server/internal/store"
)

var errTransportClosed = errors.New("transport closed")

// pipeTransport is an in-memory Transport. Tests push inbound frames with
// send and read outbound events from out.
type pipeTransport struct {
	in     chan []byte
	out    chan protocol.Event
	closed chan struct{}

	once       sync.Once
	closeCalls atomic.Int32
	reason     atomic.Value
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan protocol.Event, 512),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-p.closed:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Write(ctx context.Context, ev protocol.Event) error {
	select {
	case <-p.closed:
		return errTransportClosed
	default:
	}
	select {
	case p.out <- ev:
		return nil
	case <-p.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close(reason string) error {
	p.closeCalls.Add(1)
	p.once.Do(func() {
		p.reason.Store(reason)
		close(p.closed)
	})
	return nil
}

func (p *pipeTransport) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case p.in <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out sending %s", frame)
	}
}

// hangup simulates the client closing its end.
func (p *pipeTransport) hangup() { close(p.in) }

func (p *pipeTransport) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-p.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (p *pipeTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-p.out:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(wait):
	}
}

type appendCall struct {
	Room, Author, Content string
}

// memStore is a MessageStore with switchable failures.
type memStore struct {
	mu         sync.Mutex
	appends    []appendCall
	rooms      map[string][]store.Message
	failAppend bool
	failQuery  bool

	// hold, when set, parks the next Query until release is closed.
	hold *queryHold
}

type queryHold struct {
	started chan struct{}
	release chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rooms: make(map[string][]store.Message)}
}

func (m *memStore) Append(_ context.Context, room, author, content string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return time.Time{}, errors.New("disk on fire")
	}
	m.appends = append(m.appends, appendCall{room, author, content})
	now := time.Now().UTC()
	m.rooms[room] = append(m.rooms[room], store.Message{
		ID:        int64(len(m.rooms[room]) + 1),
		Room:      room,
		Author:    author,
		Content:   content,
		CreatedAt: now,
	})
	return now, nil
}

func (m *memStore) Query(_ context.Context, room string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	hold := m.hold
	m.hold = nil
	m.mu.Unlock()
	if hold != nil {
		close(hold.started)
		<-hold.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failQuery {
		return nil, errors.New("replica lagging")
	}
	msgs := m.rooms[room]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

// holdNextQuery parks the next Query. started is closed once it is parked;
// closing release lets it continue.
func (m *memStore) holdNextQuery() (started <-chan struct{}, release chan struct{}) {
	hold := &queryHold{started: make(chan struct{}), release: make(chan struct{})}
	m.mu.Lock()
	m.hold = hold
	m.mu.Unlock()
	return hold.started, hold.release
}

func (m *memStore) appendCalls() []appendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]appendCall(nil), m.appends...)
}

func (m *memStore) seed(room, author string, n int) {
	for i := 1; i <= n; i++ {
		_, _ = m.Append(context.Background(), room, author, fmt.Sprintf("m%d", i))
	}
	m.mu.Lock()
	m.appends = nil
	m.mu.Unlock()
}

// headerAuth treats the X-User header as the identity.
var headerAuth = auth.Func(func(r *http.Request) (string, error) {
	if u := r.Header.Get("X-User"); u != "" {
		return u, nil
	}
	return "", auth.ErrUnauthenticated
})

func requestAs(user string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws/r1", nil)
	if user != "" {
		r.Header.Set("X-User", user)
	}
	return r
}

type harness struct {
	gw    *Gateway
	reg   *core.Registry
	store *memStore
}

func newHarness(opts Options) *harness {
	reg := core.NewRegistry()
	st := newMemStore()
	return &harness{gw: NewGateway(reg, st, headerAuth, opts), reg: reg, store: st}
}

type client struct {
	pipe *pipeTransport
	done chan error
}

// connect runs Connect for user in room on its own goroutine.
func (h *harness) connect(t *testing.T, ctx context.Context, room, user string) *client {
	t.Helper()
	c := &client{pipe: newPipe(), done: make(chan error, 1)}
	go func() {
		c.done <- h.gw.Connect(ctx, requestAs(user), room, func() (Transport, error) { return c.pipe, nil })
	}()
	return c
}

func (c *client) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func expectUserList(t *testing.T, ev protocol.Event, want ...string) {
	t.Helper()
	ul, ok := ev.(protocol.UserListEvent)
	if !ok {
		t.Fatalf("expected user_list, got %#v", ev)
	}
	if len(ul.Users) != len(want) {
		t.Fatalf("user_list: got %v, want %v", ul.Users, want)
	}
	for i := range want {
		if ul.Users[i] != want[i] {
			t.Fatalf("user_list: got %v, want %v", ul.Users, want)
		}
	}
}

func expectSystem(t *testing.T, ev protocol.Event, status, who string) {
	t.Helper()
	sys, ok := ev.(protocol.SystemEvent)
	if !ok {
		t.Fatalf("expected system, got %#v", ev)
	}
	if sys.Status != status {
		t.Fatalf("system status: got %q, want %q", sys.Status, status)
	}
	want := protocol.NewJoined(who).Message
	if status == protocol.StatusLeft {
		want = protocol.NewLeft(who).Message
	}
	if sys.Message != want {
		t.Fatalf("system message: got %q, want %q", sys.Message, want)
	}
}

func expectChat(t *testing.T, ev protocol.Event, line string) {
	t.Helper()
	chat, ok := ev.(protocol.ChatEvent)
	if !ok {
		t.Fatalf("expected chat_message, got %#v", ev)
	}
	if chat.Message != line {
		t.Fatalf("chat: got %q, want %q", chat.Message, line)
	}
}
