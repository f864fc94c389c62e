package core

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"huddle/server/internal/protocol"
)

// Presence is the set of distinct identities with at least one open
// connection in a room, sorted for stable output.
type Presence struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

// Contains reports whether identity is present.
func (p Presence) Contains(identity string) bool {
	for _, u := range p.Users {
		if u == identity {
			return true
		}
	}
	return false
}

// RoomInfo summarizes one live room.
type RoomInfo struct {
	ID          string   `json:"id"`
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
}

// Stats is a point-in-time view of registry activity.
type Stats struct {
	Rooms       int
	Connections int
	Published   uint64
	Dropped     uint64
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]*Conn // conn ID -> conn
	reaped  bool
}

// Registry is the process-wide room membership table. Every mutation of a
// room, and every fanout into it, runs under that room's mutex, so all
// members observe one order of events per room.
//
// Lock order: room.mu may be held while taking Registry.mu, never the
// other way around.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) room(id string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if ok || !create {
		return rm
	}
	rm = &room{id: id, members: make(map[string]*Conn)}
	r.rooms[id] = rm
	slog.Debug("room created", "room", id)
	return rm
}

// Join registers c in its room, creating the room if needed, and broadcasts
// the updated presence to every member. A join notice follows when c's
// identity was not already present.
func (r *Registry) Join(c *Conn) Presence {
	for {
		rm := r.room(c.Room, true)
		rm.mu.Lock()
		if rm.reaped {
			// Lost a race with the last member leaving; retry on a fresh record.
			rm.mu.Unlock()
			continue
		}

		wasPresent := rm.hasIdentityLocked(c.Identity)
		rm.members[c.ID] = c
		snap := rm.presenceLocked()

		r.publishLocked(rm, protocol.NewUserList(snap.Users))
		if !wasPresent {
			r.publishLocked(rm, protocol.NewJoined(c.Identity))
		}
		count := len(rm.members)
		rm.mu.Unlock()

		slog.Info("connection joined", "room", c.Room, "conn_id", c.ID, "identity", c.Identity, "connections", count, "present", len(snap.Users))
		return snap
	}
}

// Leave unregisters c. It is safe to call more than once; only the call
// that actually removes c broadcasts and reports true.
func (r *Registry) Leave(c *Conn) (Presence, bool) {
	rm := r.room(c.Room, false)
	if rm == nil {
		return Presence{Room: c.Room, Users: []string{}}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[c.ID]; !ok || rm.reaped {
		return rm.presenceLocked(), false
	}
	delete(rm.members, c.ID)
	snap := rm.presenceLocked()

	if len(rm.members) == 0 {
		rm.reaped = true
		r.mu.Lock()
		if r.rooms[rm.id] == rm {
			delete(r.rooms, rm.id)
		}
		r.mu.Unlock()
		slog.Info("connection left", "room", c.Room, "conn_id", c.ID, "identity", c.Identity, "room_reaped", true)
		return snap, true
	}

	r.publishLocked(rm, protocol.NewUserList(snap.Users))
	if !snap.Contains(c.Identity) {
		r.publishLocked(rm, protocol.NewLeft(c.Identity))
	}

	slog.Info("connection left", "room", c.Room, "conn_id", c.ID, "identity", c.Identity, "connections", len(rm.members), "present", len(snap.Users))
	return snap, true
}

// Snapshot computes the room's presence from live membership.
func (r *Registry) Snapshot(roomID string) Presence {
	rm := r.room(roomID, false)
	if rm == nil {
		return Presence{Room: roomID, Users: []string{}}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.presenceLocked()
}

// Publish delivers ev to every current member of roomID and returns the
// number of members it was enqueued for. Unknown or empty rooms are a no-op.
func (r *Registry) Publish(roomID string, ev protocol.Event) int {
	rm := r.room(roomID, false)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.reaped {
		return 0
	}
	return r.publishLocked(rm, ev)
}

func (r *Registry) publishLocked(rm *room, ev protocol.Event) int {
	r.published.Add(1)
	sent := 0
	for _, c := range rm.members {
		if c.Deliver(ev) {
			sent++
		} else {
			r.dropped.Add(1)
		}
	}
	slog.Debug("publish", "room", rm.id, "type", ev.Kind(), "recipients", sent, "total", len(rm.members))
	return sent
}

// Rooms lists live rooms ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.reaped {
			out = append(out, RoomInfo{
				ID:          rm.id,
				Connections: len(rm.members),
				Users:       rm.presenceLocked().Users,
			})
		}
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectionCount returns the number of joined connections across rooms.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, info := range r.Rooms() {
		n += info.Connections
	}
	return n
}

// Stats returns room and connection counts plus the publish/drop counters
// accumulated since the last call, which are reset.
func (r *Registry) Stats() Stats {
	rooms := r.Rooms()
	st := Stats{
		Rooms:     len(rooms),
		Published: r.published.Swap(0),
		Dropped:   r.dropped.Swap(0),
	}
	for _, info := range rooms {
		st.Connections += info.Connections
	}
	return st
}

func (rm *room) hasIdentityLocked(identity string) bool {
	for _, c := range rm.members {
		if c.Identity == identity {
			return true
		}
	}
	return false
}

func (rm *room) presenceLocked() Presence {
	seen := make(map[string]struct{}, len(rm.members))
	users := make([]string, 0, len(rm.members))
	for _, c := range rm.members {
		if _, ok := seen[c.Identity]; ok {
			continue
		}
		seen[c.Identity] = struct{}{}
		users = append(users, c.Identity)
	}
	sort.Strings(users)
	return Presence{Room: rm.id, Users: users}
}
