// Package relayroom pairs call participants by room id and relays signaling
// between them.
//
// The registry does not interpret relayed payloads beyond routing: a room
// holds at most two participants (one camera, one mobile) and every relayable
// event from one is forwarded verbatim to the other. Unroutable events are
// dropped, never surfaced to the sender.
package relayroom

import (
	"log/slog"
	"sync"

	"github.com/smartbell/doorcall/internal/metrics"
	"github.com/smartbell/doorcall/internal/signalmsg"
)

const maxParticipantsPerRoom = 2

// Sender delivers one event to a participant. Implementations must preserve
// per-participant send order; the registry relies on that for the
// sender-ordering guarantee.
type Sender interface {
	Send(msg signalmsg.Message)
}

type participant struct {
	conn Sender
	role signalmsg.Role
	room *room
}

type room struct {
	id string

	mu      sync.Mutex
	members map[Sender]*participant
}

// Registry is the relay-side room table.
//
// The registry mutex guards only the room map and connection membership;
// per-room state is guarded by the room's own mutex so unrelated rooms
// proceed independently.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[Sender]*participant
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     logger,
		metrics: m,
		rooms:   make(map[string]*room),
		byConn:  make(map[Sender]*participant),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Join adds conn to the room, creating the room on first join.
//
// Duplicate joins by the same connection are idempotent: the participant is
// not duplicated and, when a peer is present, peer_available is re-emitted to
// the joiner only. When the room becomes full both sides are notified. A
// third distinct connection is rejected with an error event.
func (r *Registry) Join(conn Sender, roomID string, role signalmsg.Role) {
	r.mu.Lock()

	if existing, ok := r.byConn[conn]; ok {
		if existing.room.id == roomID {
			rm := existing.room
			r.mu.Unlock()

			r.metrics.Inc(metrics.DuplicateJoins)
			rm.mu.Lock()
			hasPeer := len(rm.members) == maxParticipantsPerRoom
			rm.mu.Unlock()
			if hasPeer {
				conn.Send(signalmsg.PeerAvailable(roomID))
			}
			return
		}
		// A connection belongs to one room at a time; switching rooms implies
		// leaving the previous one first.
		r.leaveLocked(existing)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[Sender]*participant)}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Debug("room created", "room", roomID)
	}

	rm.mu.Lock()
	if len(rm.members) >= maxParticipantsPerRoom {
		rm.mu.Unlock()
		r.mu.Unlock()
		r.metrics.Inc(metrics.JoinRejectedFull)
		conn.Send(signalmsg.Error("room_full", "room already has two participants"))
		return
	}

	p := &participant{conn: conn, role: role, room: rm}
	rm.members[conn] = p
	r.byConn[conn] = p
	full := len(rm.members) == maxParticipantsPerRoom
	peers := make([]Sender, 0, maxParticipantsPerRoom)
	for c := range rm.members {
		peers = append(peers, c)
	}
	rm.mu.Unlock()
	r.mu.Unlock()

	r.metrics.Inc(metrics.Joins)
	r.log.Info("participant joined", "room", roomID, "role", role)

	if full {
		for _, c := range peers {
			c.Send(signalmsg.PeerAvailable(roomID))
		}
	}
}

// Relay forwards msg verbatim to every other participant in the sender's
// room. It is a silent no-op when the sender is not in a room, names a
// different room, or has no peer: the sender is never informed of delivery
// success so signaling liveness stays decoupled from application-level acks.
func (r *Registry) Relay(conn Sender, msg signalmsg.Message) {
	if !msg.Relayable() {
		r.metrics.Inc(metrics.DropReasonBadMessage)
		return
	}

	r.mu.Lock()
	p, ok := r.byConn[conn]
	r.mu.Unlock()
	if !ok || p.room.id != msg.Room {
		r.metrics.Inc(metrics.DropReasonNoPeer)
		r.log.Debug("dropping unroutable event", "type", msg.Type, "room", msg.Room)
		return
	}

	rm := p.room
	rm.mu.Lock()
	targets := make([]Sender, 0, 1)
	for c := range rm.members {
		if c != conn {
			targets = append(targets, c)
		}
	}
	rm.mu.Unlock()

	if len(targets) == 0 {
		r.metrics.Inc(metrics.DropReasonNoPeer)
		r.log.Debug("dropping event with no peer", "type", msg.Type, "room", msg.Room)
		return
	}

	for _, c := range targets {
		c.Send(msg)
	}
	r.metrics.Inc(metrics.RelayedEvents)
}

// Leave removes conn from its room, notifies the remaining participant and
// deletes the room once empty. It is a no-op for unknown connections.
func (r *Registry) Leave(conn Sender) {
	r.mu.Lock()
	p, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.leaveLocked(p)
	r.mu.Unlock()
}

// leaveLocked requires r.mu to be held.
func (r *Registry) leaveLocked(p *participant) {
	delete(r.byConn, p.conn)

	rm := p.room
	rm.mu.Lock()
	delete(rm.members, p.conn)
	remaining := make([]Sender, 0, 1)
	for c := range rm.members {
		remaining = append(remaining, c)
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, rm.id)
		r.metrics.Inc(metrics.RoomsDestroyed)
		r.log.Debug("room destroyed", "room", rm.id)
	}

	r.log.Info("participant left", "room", rm.id, "role", p.role)
	for _, c := range remaining {
		r.metrics.Inc(metrics.PeerLeftNotifications)
		c.Send(signalmsg.PeerLeft(rm.id, p.role))
	}
}

// RoomCount reports the number of live rooms. Used by tests and readiness
// diagnostics.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
