// Package session implements the Client Session and Session Directory
// of spec §3 and §4.2: the per-connection record and the shared
// at-most-one-session-per-ClientId registry, including the admit()
// resumption rule.
package session

import (
	"sync"
	"time"

	"github.com/keniprimo/roomrelay/internal/clientid"
	"github.com/keniprimo/roomrelay/internal/transport"
)

// State is the presentational, per-session attribute set of spec §3.
type State struct {
	X, Y       int
	Color      string
	lastActive int64 // unix millis, read/written via atomic-style helpers under mu
}

// RoomMembership is the subset of the Room Registry the Session
// Directory needs to carry out the admit() resumption rule, accepted
// as an interface so this package never imports internal/room.
type RoomMembership interface {
	RemoveMember(roomID, clientID string)
	AddMember(roomID, clientID string)
}

// UserCountNotifier lets the Session Directory trigger a roomUserCount
// broadcast after resumption or drop, without importing the broadcast
// package directly.
type UserCountNotifier interface {
	NotifyUserCount(roomID string)
}

// Session is a Client Session (spec §3): identity, transport, state,
// and current room. Mutated only by its owning Connection Handler and
// by the Session Directory's admit()/drop(), and read by the Heartbeat
// Scheduler (lastActive, transport readiness) — hence the mutex.
type Session struct {
	ClientID  string
	Transport transport.Adapter

	mu     sync.Mutex
	state  State
	roomID string // empty string means "not joined"
}

func newSession(clientID string, t transport.Adapter) *Session {
	return &Session{
		ClientID:  clientID,
		Transport: t,
		state: State{
			Color:      clientid.RandomColor(),
			lastActive: nowMillis(),
		},
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// State returns a snapshot of the session's presentational state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the session's current room, or "" if not joined.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoomID updates the session's current room, owned by the
// Connection Handler's join handling.
func (s *Session) SetRoomID(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// Touch updates lastActive to now, called on every inbound message or
// pong (spec §4.3, §4.5).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.lastActive = nowMillis()
}

// LastActive returns the last-active timestamp in unix millis, read by
// the Heartbeat Scheduler.
func (s *Session) LastActive() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.lastActive
}

// SetDraw applies a draw message's coordinate and optional color
// update (spec §4.3 step 5).
func (s *Session) SetDraw(x, y int, color string, hasColor bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.X, s.state.Y = x, y
	if hasColor {
		s.state.Color = color
	}
}

// Directory is the Session Directory of spec §4.2: a shared mapping
// from ClientId to its single live Session, enforcing invariant (1)
// and (5) of §3.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*Session

	rooms    RoomMembership
	notifier UserCountNotifier
}

// NewDirectory constructs an empty Session Directory. rooms and
// notifier back the admit() resumption rule (§4.2); both may be nil in
// tests that never exercise reconnection.
func NewDirectory(rooms RoomMembership, notifier UserCountNotifier) *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
		rooms:    rooms,
		notifier: notifier,
	}
}

// SetNotifier wires the UserCountNotifier after construction, for
// callers whose notifier (typically the Broadcaster) itself depends on
// the Directory and so can't exist before it.
func (d *Directory) SetNotifier(notifier UserCountNotifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = notifier
}

// Admit implements the admit() operation of spec §4.2. If a live
// session already exists for clientID, its transport is force-closed
// and its room membership captured; the new session inherits that
// room membership (session resumption) and a roomUserCount broadcast
// is triggered for it. Admit never sends a farewell frame to the
// displaced transport (spec §9, open question 1, resolved: the source
// sends none and this repo follows that).
func (d *Directory) Admit(clientID string, t transport.Adapter) (*Session, string) {
	d.mu.Lock()

	var priorRoomID string
	if prior, exists := d.sessions[clientID]; exists {
		priorRoomID = prior.RoomID()
		delete(d.sessions, clientID)
		// Force-close outside the lock would be more permissive, but
		// the close itself is non-blocking (queue drain, not a network
		// round trip), so it's safe to do here under the lock.
		_ = prior.Transport.Close()
	}

	fresh := newSession(clientID, t)
	if priorRoomID != "" {
		fresh.SetRoomID(priorRoomID)
	}
	d.sessions[clientID] = fresh
	d.mu.Unlock()

	if priorRoomID != "" && d.rooms != nil {
		d.rooms.RemoveMember(priorRoomID, clientID)
		d.rooms.AddMember(priorRoomID, clientID)
		if d.notifier != nil {
			d.notifier.NotifyUserCount(priorRoomID)
		}
	}

	return fresh, priorRoomID
}

// Lookup implements lookup(): returns the live session for clientID,
// or nil if none.
func (d *Directory) Lookup(clientID string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[clientID]
}

// Drop implements drop(): removes clientID from the directory and, if
// it was a member of a room, removes it there too and triggers a
// roomUserCount broadcast. No-op if clientID is unknown.
func (d *Directory) Drop(clientID string) {
	d.mu.Lock()
	sess, exists := d.sessions[clientID]
	if !exists {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, clientID)
	d.mu.Unlock()

	roomID := sess.RoomID()
	if roomID != "" && d.rooms != nil {
		d.rooms.RemoveMember(roomID, clientID)
		if d.notifier != nil {
			d.notifier.NotifyUserCount(roomID)
		}
	}
}

// Count returns the number of live sessions, for metrics.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Snapshot returns every live session, for the Heartbeat Scheduler's
// scan. The slice is safe to iterate after the directory lock is
// released, matching the Room Registry's snapshot discipline (§4.1).
func (d *Directory) Snapshot() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}
