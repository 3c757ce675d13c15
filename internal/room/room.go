// Package room implements the Room Registry and Room of spec §3 and
// §4.1: shared, process-wide room membership and bounded per-room
// history, with every registry-wide mutation and snapshot read atomic
// with respect to one another (spec §5).
package room

import (
	"encoding/json"
	"sync"

	"github.com/keniprimo/roomrelay/internal/metrics"
)

// DefaultHistoryCapacity is the bound of spec §3 invariant (4): history
// length never exceeds 100 events per room.
const DefaultHistoryCapacity = 100

// Event is an arbitrary JSON object with a mandatory "type" field,
// stored verbatim as already-marshaled JSON so history replay never
// re-encodes a message the server didn't originate.
type Event = json.RawMessage

// Room is the in-memory record of spec §3: identifier, membership set,
// and a bounded FIFO history.
type Room struct {
	ID string

	mu      sync.Mutex
	members map[string]struct{}
	history []Event
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]struct{}),
	}
}

// Registry is the shared, process-wide mapping from RoomId to Room
// (spec §4.1). It owns room lifecycle: created on first join, deleted
// when the last member leaves (invariant (3)).
type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	clientRooms     map[string]map[string]struct{} // clientID -> set of roomIDs, for roomsOf
	historyCapacity int
}

// NewRegistry constructs an empty Room Registry. A historyCapacity of
// 0 falls back to DefaultHistoryCapacity.
func NewRegistry(historyCapacity int) *Registry {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	return &Registry{
		rooms:           make(map[string]*Room),
		clientRooms:     make(map[string]map[string]struct{}),
		historyCapacity: historyCapacity,
	}
}

// AddMember implements addMember(): creates the room if absent and
// inserts clientID into its membership.
func (r *Registry) AddMember(roomID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		r.rooms[roomID] = rm
	}
	rm.members[clientID] = struct{}{}

	if r.clientRooms[clientID] == nil {
		r.clientRooms[clientID] = make(map[string]struct{})
	}
	r.clientRooms[clientID][roomID] = struct{}{}

	metrics.RoomsActive.Set(float64(len(r.rooms)))
	metrics.SetRoomMembers(roomID, len(rm.members))
}

// RemoveMember implements removeMember(): no-op if the room or
// membership is absent; deletes the room once membership is empty
// (invariant (3)).
func (r *Registry) RemoveMember(roomID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, member := rm.members[clientID]; !member {
		return
	}
	delete(rm.members, clientID)
	remaining := len(rm.members)
	if remaining == 0 {
		delete(r.rooms, roomID)
	}

	if set := r.clientRooms[clientID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.clientRooms, clientID)
		}
	}

	metrics.RoomsActive.Set(float64(len(r.rooms)))
	metrics.SetRoomMembers(roomID, remaining)
}

// MembersOf implements membersOf(): a snapshot copy safe to iterate
// after the registry lock is released. Empty if the room is absent.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// UserCount implements userCount(): |members|, 0 if the room is
// absent.
func (r *Registry) UserCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// RoomsOf implements roomsOf(): every room whose membership contains
// clientID. The data model permits only 0 or 1 in practice, but the
// contract returns a list — callers must not assume a singleton.
func (r *Registry) RoomsOf(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.clientRooms[clientID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// AppendHistory implements appendHistory(): appends event to roomID's
// history, dropping the oldest entry once length exceeds capacity
// (invariant (4)). No-op if the room is absent.
func (r *Registry) AppendHistory(roomID string, event Event) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.history = append(rm.history, event)
	if over := len(rm.history) - r.historyCapacity; over > 0 {
		rm.history = rm.history[over:]
	}
}

// HistoryOf implements historyOf(): a snapshot copy of roomID's
// history, empty if the room is absent.
func (r *Registry) HistoryOf(roomID string) []Event {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Event, len(rm.history))
	copy(out, rm.history)
	return out
}

// RoomCount returns the number of active rooms, for metrics and tests.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
