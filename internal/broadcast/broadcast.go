// Package broadcast implements the Broadcaster of spec §4.4: fan-out
// to room members with per-recipient send timeout and bounded retry,
// and the two notification helpers (roomUserCount, roomHistory) the
// rest of the hub calls into.
package broadcast

import (
	"sync"
	"time"

	"github.com/keniprimo/roomrelay/internal/logging"
	"github.com/keniprimo/roomrelay/internal/metrics"
	"github.com/keniprimo/roomrelay/internal/protocol"
	"github.com/keniprimo/roomrelay/internal/room"
	"github.com/keniprimo/roomrelay/internal/session"
	"github.com/keniprimo/roomrelay/internal/transport"
	"go.uber.org/zap"
)

// Rooms is the subset of the Room Registry the Broadcaster needs.
type Rooms interface {
	RoomsOf(clientID string) []string
	MembersOf(roomID string) []string
	UserCount(roomID string) int
	HistoryOf(roomID string) []room.Event
}

// Sessions is the subset of the Session Directory the Broadcaster
// needs to resolve a ClientId to its live transport.
type Sessions interface {
	Lookup(clientID string) *session.Session
}

// Config bounds sendWithRetry's attempts, per spec §4.4 / §5.
type Config struct {
	SendTimeout    time.Duration
	SendRetryDelay time.Duration
	MaxRetries     int
}

// Broadcaster is the fan-out primitive of spec §4.4. It never holds a
// registry lock while awaiting a transport send (spec §5's lock
// discipline): MembersOf/RoomsOf/HistoryOf return snapshots, and the
// send loop below runs entirely after those calls return.
type Broadcaster struct {
	rooms    Rooms
	sessions Sessions
	cfg      Config
}

// New constructs a Broadcaster. cfg's zero value is replaced with the
// spec's defaults (3 retries, 5s timeout, 1s retry delay).
func New(rooms Rooms, sessions Sessions, cfg Config) *Broadcaster {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = 1 * time.Second
	}
	return &Broadcaster{rooms: rooms, sessions: sessions, cfg: cfg}
}

// Broadcast implements broadcast(senderId, event) (spec §4.4): resolves
// every room the sender currently belongs to and relays event to every
// other member whose transport is OPEN. Recipients within a room are
// sent to concurrently; failure of one recipient never aborts fan-out
// to the others.
func (b *Broadcaster) Broadcast(senderID string, event room.Event) {
	rooms := b.rooms.RoomsOf(senderID)
	if len(rooms) == 0 {
		logging.L().Debug("broadcast: sender not in any room", zap.String("client", logging.ShortID(senderID, 12)))
		return
	}

	for _, roomID := range rooms {
		members := b.rooms.MembersOf(roomID)
		var wg sync.WaitGroup
		for _, memberID := range members {
			if memberID == senderID {
				continue
			}
			sess := b.sessions.Lookup(memberID)
			if sess == nil || !sess.Transport.IsOpen() {
				metrics.BroadcastSends.WithLabelValues("skipped").Inc()
				continue
			}
			wg.Add(1)
			go func(t transport.Adapter, clientID string) {
				defer wg.Done()
				b.sendWithRetry(t, event, clientID)
			}(sess.Transport, memberID)
		}
		wg.Wait()
	}
}

// NotifyUserCount implements session.UserCountNotifier and the
// sendRoomUserCount operation of spec §4.4: serializes
// {type:"roomUserCount", roomId, count} and delivers it to every
// current member of roomID.
func (b *Broadcaster) NotifyUserCount(roomID string) {
	count := b.rooms.UserCount(roomID)
	payload := protocol.RoomUserCount(roomID, count)

	members := b.rooms.MembersOf(roomID)
	var wg sync.WaitGroup
	for _, memberID := range members {
		sess := b.sessions.Lookup(memberID)
		if sess == nil || !sess.Transport.IsOpen() {
			continue
		}
		wg.Add(1)
		go func(t transport.Adapter, clientID string) {
			defer wg.Done()
			b.sendWithRetry(t, payload, clientID)
		}(sess.Transport, memberID)
	}
	wg.Wait()
}

// SendRoomHistory implements sendRoomHistory(clientId, roomId) (spec
// §4.4): serializes {type:"roomHistory", roomId, history} and
// delivers it to clientID alone.
func (b *Broadcaster) SendRoomHistory(clientID, roomID string) {
	history := b.rooms.HistoryOf(roomID)
	payload := protocol.RoomHistory(roomID, history)

	sess := b.sessions.Lookup(clientID)
	if sess == nil || !sess.Transport.IsOpen() {
		return
	}
	b.sendWithRetry(sess.Transport, payload, clientID)
}

// SendTo delivers an arbitrary pre-built payload to a single client,
// used by the Connection Handler for the welcome and error frames.
func (b *Broadcaster) SendTo(clientID string, payload room.Event) bool {
	sess := b.sessions.Lookup(clientID)
	if sess == nil || !sess.Transport.IsOpen() {
		return false
	}
	return b.sendWithRetry(sess.Transport, payload, clientID)
}

// sendWithRetry implements spec §4.4's sendWithRetry: up to MaxRetries
// passes, each racing the write's completion against SendTimeout, with
// SendRetryDelay between failed passes. A send to a closed transport
// is a no-op that returns false without consuming a retry.
func (b *Broadcaster) sendWithRetry(t transport.Adapter, payload []byte, clientID string) bool {
	start := time.Now()
	defer func() {
		metrics.BroadcastSendDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		if !t.IsOpen() {
			metrics.BroadcastSends.WithLabelValues("skipped").Inc()
			return false
		}

		result := t.SendText(payload)
		select {
		case err := <-result:
			if err == nil {
				metrics.BroadcastSends.WithLabelValues("delivered").Inc()
				return true
			}
			logging.L().Debug("sendWithRetry: attempt failed",
				zap.String("client", logging.ShortID(clientID, 12)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		case <-time.After(b.cfg.SendTimeout):
			logging.L().Debug("sendWithRetry: attempt timed out",
				zap.String("client", logging.ShortID(clientID, 12)),
				zap.Int("attempt", attempt),
			)
		}

		if attempt < b.cfg.MaxRetries {
			time.Sleep(b.cfg.SendRetryDelay)
		}
	}

	metrics.BroadcastSends.WithLabelValues("failed").Inc()
	return false
}
