package core

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"huddle/server/internal/protocol"
)

func TestRegistryJoinBroadcastsPresenceAndNotice(t *testing.T) {
	r := NewRegistry()
	a := NewConn("r1", "A", 8)

	snap := r.Join(a)
	if len(snap.Users) != 1 || snap.Users[0] != "A" {
		t.Fatalf("presence after A joined: %#v", snap.Users)
	}
	assertUserList(t, a, "A")
	assertSystem(t, a, protocol.StatusJoined)

	b := NewConn("r1", "B", 8)
	r.Join(b)
	assertUserList(t, a, "A", "B")
	assertSystem(t, a, protocol.StatusJoined)
	assertUserList(t, b, "A", "B")
	assertSystem(t, b, protocol.StatusJoined)

	if _, ok := r.Leave(b); !ok {
		t.Fatal("expected leave to remove B")
	}
	assertUserList(t, a, "A")
	assertSystem(t, a, protocol.StatusLeft)
	assertNoRecv(t, b)
}

func TestRegistryDuplicateIdentityCollapses(t *testing.T) {
	r := NewRegistry()
	a1 := NewConn("r1", "A", 8)
	a2 := NewConn("r1", "A", 8)
	b := NewConn("r1", "B", 8)

	r.Join(a1)
	r.Join(b)
	drain(a1)
	drain(b)

	snap := r.Join(a2)
	if len(snap.Users) != 2 {
		t.Fatalf("expected 2 present identities, got %#v", snap.Users)
	}
	// A was already present: presence is rebroadcast but no join notice.
	assertUserList(t, b, "A", "B")
	assertNoRecv(t, b)

	snap, _ = r.Leave(a1)
	if !snap.Contains("A") {
		t.Fatalf("A should stay present while a2 is open: %#v", snap.Users)
	}
	assertUserList(t, b, "A", "B")
	assertNoRecv(t, b)

	snap, _ = r.Leave(a2)
	if snap.Contains("A") {
		t.Fatalf("A should be gone after its last connection left: %#v", snap.Users)
	}
	assertUserList(t, b, "B")
	assertSystem(t, b, protocol.StatusLeft)
}

func TestRegistryLeaveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := NewConn("r1", "A", 8)
	b := NewConn("r1", "B", 8)
	r.Join(a)
	r.Join(b)
	drain(a)

	if _, ok := r.Leave(b); !ok {
		t.Fatal("first leave should report removal")
	}
	assertUserList(t, a, "A")
	assertSystem(t, a, protocol.StatusLeft)

	if _, ok := r.Leave(b); ok {
		t.Fatal("second leave should be a no-op")
	}
	assertNoRecv(t, a)
}

func TestRegistryReapsEmptyRoomAndRecreates(t *testing.T) {
	r := NewRegistry()
	a := NewConn("r1", "A", 8)
	r.Join(a)
	r.Leave(a)

	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected empty room to be reaped, got %#v", rooms)
	}
	if snap := r.Snapshot("r1"); len(snap.Users) != 0 {
		t.Fatalf("expected empty snapshot, got %#v", snap.Users)
	}

	b := NewConn("r1", "B", 8)
	snap := r.Join(b)
	if len(snap.Users) != 1 || snap.Users[0] != "B" {
		t.Fatalf("presence after rejoin: %#v", snap.Users)
	}
}

func TestRegistryPublishScopesToRoom(t *testing.T) {
	r := NewRegistry()
	a := NewConn("r1", "A", 8)
	b := NewConn("r2", "B", 8)
	r.Join(a)
	r.Join(b)
	drain(a)
	drain(b)

	if n := r.Publish("r1", protocol.NewChat("A", "hi")); n != 1 {
		t.Fatalf("expected 1 recipient, got %d", n)
	}
	ev := recv(t, a)
	if chat, ok := ev.(protocol.ChatEvent); !ok || chat.Message != "A: hi" {
		t.Fatalf("unexpected event %#v", ev)
	}
	assertNoRecv(t, b)

	if n := r.Publish("nowhere", protocol.NewChat("A", "hi")); n != 0 {
		t.Fatalf("publish to unknown room should be a no-op, got %d", n)
	}
}

func TestRegistryPublishPreservesOrder(t *testing.T) {
	r := NewRegistry()
	a := NewConn("r1", "A", 512)
	b := NewConn("r1", "B", 512)
	r.Join(a)
	r.Join(b)
	drain(a)
	drain(b)

	const n = 200
	for i := range n {
		r.Publish("r1", protocol.NewChat("A", fmt.Sprintf("%d", i)))
	}
	for _, c := range []*Conn{a, b} {
		for i := range n {
			ev := recv(t, c)
			want := fmt.Sprintf("A: %d", i)
			if got := ev.(protocol.ChatEvent).Message; got != want {
				t.Fatalf("%s: event %d got %q, want %q", c.Identity, i, got, want)
			}
		}
	}
}

func TestRegistrySlowConsumerEvicted(t *testing.T) {
	r := NewRegistry()
	slow := NewConn("r1", "slow", 2)
	fast := NewConn("r1", "fast", 64)
	r.Join(slow)
	r.Join(fast)

	for i := range 5 {
		r.Publish("r1", protocol.NewChat("fast", fmt.Sprintf("%d", i)))
	}

	select {
	case <-slow.Evicted():
	case <-time.After(time.Second):
		t.Fatal("slow consumer should have been evicted")
	}
	select {
	case <-fast.Evicted():
		t.Fatal("fast consumer must not be evicted")
	default:
	}

	st := r.Stats()
	if st.Dropped == 0 {
		t.Fatal("expected dropped deliveries to be counted")
	}
	if st.Connections != 2 || st.Rooms != 1 {
		t.Fatalf("unexpected stats %#v", st)
	}
}

func TestRegistryPresenceMatchesOpenConnections(t *testing.T) {
	r := NewRegistry()
	rng := rand.New(rand.NewSource(7))
	identities := []string{"A", "B", "C", "D"}
	open := map[*Conn]bool{}

	for range 500 {
		if len(open) == 0 || rng.Intn(2) == 0 {
			c := NewConn("r1", identities[rng.Intn(len(identities))], 1024)
			r.Join(c)
			open[c] = true
		} else {
			for c := range open {
				r.Leave(c)
				delete(open, c)
				break
			}
		}

		want := map[string]struct{}{}
		for c := range open {
			want[c.Identity] = struct{}{}
		}
		got := r.Snapshot("r1").Users
		if len(got) != len(want) {
			t.Fatalf("presence %v does not match open identities %v", got, keys(want))
		}
		for _, u := range got {
			if _, ok := want[u]; !ok {
				t.Fatalf("presence %v contains %q without an open connection", got, u)
			}
		}
	}
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const n = 300

	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			c := NewConn(fmt.Sprintf("room-%d", i%3), fmt.Sprintf("user-%d", i%50), 2048)
			conns[i] = c
			r.Join(c)
		}(i)
	}
	wg.Wait()

	if got := r.ConnectionCount(); got != n {
		t.Fatalf("expected %d connections, got %d", n, got)
	}

	wg.Add(n)
	for i := range n {
		go func(i int) {
			defer wg.Done()
			r.Leave(conns[i])
			r.Leave(conns[i])
		}(i)
	}
	wg.Wait()

	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Fatalf("expected all rooms reaped, got %#v", rooms)
	}
}

func recv(t *testing.T, c *Conn) protocol.Event {
	t.Helper()
	select {
	case ev := <-c.Outbox():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event on %s", c.Identity)
		return nil
	}
}

func assertUserList(t *testing.T, c *Conn, users ...string) {
	t.Helper()
	ev := recv(t, c)
	list, ok := ev.(protocol.UserListEvent)
	if !ok {
		t.Fatalf("expected user_list, got %#v", ev)
	}
	got := append([]string(nil), list.Users...)
	sort.Strings(got)
	if fmt.Sprint(got) != fmt.Sprint(users) {
		t.Fatalf("user_list: got %v, want %v", got, users)
	}
}

func assertSystem(t *testing.T, c *Conn, status string) {
	t.Helper()
	ev := recv(t, c)
	sys, ok := ev.(protocol.SystemEvent)
	if !ok {
		t.Fatalf("expected system notice, got %#v", ev)
	}
	if sys.Status != status {
		t.Fatalf("system status: got %q, want %q", sys.Status, status)
	}
}

func assertNoRecv(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case ev := <-c.Outbox():
		t.Fatalf("expected no event, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func drain(c *Conn) {
	for {
		select {
		case <-c.Outbox():
		default:
			return
		}
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
