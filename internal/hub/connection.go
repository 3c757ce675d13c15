package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keniprimo/roomrelay/internal/logging"
	"github.com/keniprimo/roomrelay/internal/metrics"
	"github.com/keniprimo/roomrelay/internal/protocol"
	"github.com/keniprimo/roomrelay/internal/session"
	"github.com/keniprimo/roomrelay/internal/transport"
	"go.uber.org/zap"
)

// connection is the Connection Handler of spec §4.3: the per-connection
// state machine carrying a session through Accepted -> Joined -> Closed.
// Its events (receive/pong/close) are driven one at a time by the
// transport's blocking ReadLoop, which satisfies spec §5's requirement
// that a given session's events are serialized.
type connection struct {
	hub      *Hub
	clientID string
	corrID   string // per physical connection, distinct from the resumable ClientId
	sess     *session.Session
	conn     *transport.Conn

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// accept implements accept(transport, clientIdOrNone) (spec §4.3).
func (h *Hub) accept(conn *transport.Conn, clientID string) {
	// The writer must already be draining the queue: on resumption Admit
	// sends a roomUserCount to every member, this connection included,
	// and waits for each delivery.
	go conn.Run()

	sess, priorRoomID := h.Directory.Admit(clientID, conn)
	metrics.SessionsAdmitted.WithLabelValues(resumedLabel(priorRoomID)).Inc()
	metrics.SessionsActive.Set(float64(h.Directory.Count()))

	corrID := uuid.New().String()
	log := logging.L().With(
		zap.String("client", logging.ShortID(clientID, 12)),
		zap.String("conn", corrID),
	)
	if priorRoomID != "" {
		log.Info("session resumed", zap.String("room", logging.ShortID(priorRoomID, 12)))
	} else {
		log.Debug("session accepted")
	}

	c := &connection{hub: h, clientID: clientID, corrID: corrID, sess: sess, conn: conn}
	c.armTimer()

	h.Broadcaster.SendTo(clientID, protocol.Welcome(clientID, sess.State()))

	_ = conn.ReadLoop(
		func(data []byte) { c.receive(data) },
		func() { c.pong() },
	)

	c.teardown()
}

func resumedLabel(priorRoomID string) string {
	if priorRoomID != "" {
		return "resumed"
	}
	return "fresh"
}

func (c *connection) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timer = time.AfterFunc(c.hub.cfg.HeartbeatTimeout, c.onIdleTimeout)
}

func (c *connection) cancelTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *connection) rearmTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.hub.cfg.HeartbeatTimeout, c.onIdleTimeout)
}

// onIdleTimeout fires when no receive/pong has arrived within
// HEARTBEAT_TIMEOUT of the last one (spec §4.3, §5's "per-connection
// idle-without-event" timer). Closing the transport unblocks ReadLoop,
// which routes back through accept's close/error path into teardown.
func (c *connection) onIdleTimeout() {
	c.log().Debug("connection: idle timeout, disconnecting")
	_ = c.sess.Transport.Close()
}

// log returns a logger pre-tagged with this connection's ClientId and
// correlation id, so a reconnect storm for one ClientId can still be
// told apart in the logs.
func (c *connection) log() *zap.Logger {
	return logging.L().With(
		zap.String("client", logging.ShortID(c.clientID, 12)),
		zap.String("conn", c.corrID),
	)
}

// teardown implements the close/error path of spec §4.3: cancel the
// timer and drop(clientId). Idempotent so a racing idle-timeout close
// and a genuine transport error both converge on a single drop. A
// connection displaced by Admit drops nothing: the directory entry for
// its ClientId already belongs to the session that resumed it.
func (c *connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	roomID := c.sess.RoomID()
	if c.hub.Directory.Lookup(c.clientID) == c.sess {
		c.hub.Directory.Drop(c.clientID)
	}
	metrics.SessionsActive.Set(float64(c.hub.Directory.Count()))
	if roomID != "" && c.hub.Rooms.UserCount(roomID) == 0 {
		c.hub.msgLimiter.RemoveRoom(roomID)
	}
}

// pong implements the pong() transition of spec §4.3: cancel, touch,
// re-arm.
func (c *connection) pong() {
	c.cancelTimer()
	c.sess.Touch()
	c.rearmTimer()
}

// receive implements the receive(frame) transition of spec §4.3.
func (c *connection) receive(frame []byte) {
	c.cancelTimer()
	defer c.rearmTimer()

	in, err := protocol.ParseInbound(frame)
	if err != nil {
		c.log().Debug("connection: invalid JSON frame")
		c.hub.Broadcaster.SendTo(c.clientID, protocol.ErrorMessage("Invalid JSON"))
		return
	}

	if in.Type != "join" && len(c.hub.Rooms.RoomsOf(c.clientID)) == 0 {
		c.log().Debug("connection: dropped event, not joined", zap.String("type", in.Type))
		return
	}

	if in.Type != "join" {
		if roomID := c.sess.RoomID(); roomID != "" && !c.hub.msgLimiter.Allow(roomID, c.clientID) {
			c.log().Debug("connection: message rate limited", zap.String("room", logging.ShortID(roomID, 12)))
			return
		}
	}

	switch in.Type {
	case "join":
		c.handleJoin(in)
		return // join itself is never archived or relayed (spec §4.3 step 4 vs step 6)
	case "draw":
		c.handleDraw(in)
	}

	c.sess.Touch()
	rooms := c.hub.Rooms.RoomsOf(c.clientID)
	if len(rooms) == 0 {
		return
	}
	for _, roomID := range rooms {
		c.hub.Rooms.AppendHistory(roomID, in.Raw)
	}
	c.hub.Broadcaster.Broadcast(c.clientID, in.Raw)
}

// handleJoin implements step 4 of spec §4.3. Repeated joins to the
// same room are idempotent on membership but still resend history and
// the user count (spec §8's round-trip property).
func (c *connection) handleJoin(in *protocol.Inbound) {
	if in.RoomID == "" {
		c.log().Debug("connection: join missing roomId")
		c.hub.Broadcaster.SendTo(c.clientID, protocol.ErrorMessage("join requires roomId"))
		return
	}

	if prior := c.sess.RoomID(); prior != "" && prior != in.RoomID {
		c.hub.Rooms.RemoveMember(prior, c.clientID)
		if c.hub.Rooms.UserCount(prior) == 0 {
			c.hub.msgLimiter.RemoveRoom(prior)
		}
	}
	c.sess.SetRoomID(in.RoomID)
	c.hub.Rooms.AddMember(in.RoomID, c.clientID)

	c.hub.Broadcaster.SendRoomHistory(c.clientID, in.RoomID)
	c.hub.Broadcaster.NotifyUserCount(in.RoomID)
}

// handleDraw implements step 5 of spec §4.3: mutate presentational
// state only. Broadcast and archival happen uniformly in step 6 for
// every non-join message.
func (c *connection) handleDraw(in *protocol.Inbound) {
	if !in.HasXY {
		return
	}
	c.sess.SetDraw(in.X, in.Y, in.Color, in.HasColor)
}
