// Package hub wires the Room Registry, Session Directory, Broadcaster,
// and Heartbeat Scheduler into the Lifecycle Controller of spec §4.6,
// and implements the Connection Handler state machine of spec §4.3.
package hub

import (
	"net"
	"net/http"

	"github.com/keniprimo/roomrelay/internal/broadcast"
	"github.com/keniprimo/roomrelay/internal/clientid"
	"github.com/keniprimo/roomrelay/internal/config"
	"github.com/keniprimo/roomrelay/internal/heartbeat"
	"github.com/keniprimo/roomrelay/internal/logging"
	"github.com/keniprimo/roomrelay/internal/metrics"
	"github.com/keniprimo/roomrelay/internal/ratelimit"
	"github.com/keniprimo/roomrelay/internal/room"
	"github.com/keniprimo/roomrelay/internal/session"
	"github.com/keniprimo/roomrelay/internal/transport"
	"go.uber.org/zap"
)

// Hub is the Lifecycle Controller of spec §4.6: it owns every shared
// component's construction and start/stop sequencing.
type Hub struct {
	cfg config.Config

	Rooms       *room.Registry
	Directory   *session.Directory
	Broadcaster *broadcast.Broadcaster
	scheduler   *heartbeat.Scheduler
	connLimiter *ratelimit.Limiter
	msgLimiter  *ratelimit.MessageLimiter
}

// New wires a fresh Hub. Construction resolves the Directory/
// Broadcaster mutual dependency (§4.2's admit() needs to trigger a
// broadcast; the Broadcaster needs the Directory to resolve
// transports) by constructing the Directory first and wiring the
// Broadcaster back in via SetNotifier.
func New(cfg config.Config) *Hub {
	rooms := room.NewRegistry(cfg.HistoryCapacity)
	directory := session.NewDirectory(rooms, nil)
	broadcaster := broadcast.New(rooms, directory, broadcast.Config{
		SendTimeout:    cfg.SendTimeout,
		SendRetryDelay: cfg.SendRetryDelay,
		MaxRetries:     cfg.SendMaxRetries,
	})
	directory.SetNotifier(broadcaster)

	scheduler := heartbeat.New(directory, cfg.HeartbeatInterval, cfg.LivenessThreshold)

	return &Hub{
		cfg:         cfg,
		Rooms:       rooms,
		Directory:   directory,
		Broadcaster: broadcaster,
		scheduler:   scheduler,
		connLimiter: ratelimit.NewLimiter(20, 40),
		msgLimiter:  ratelimit.NewMessageLimiter(20, 200),
	}
}

// Start implements the Lifecycle Controller's start (spec §4.6).
func (h *Hub) Start() {
	h.scheduler.Start()
}

// Stop implements the Lifecycle Controller's stop (spec §4.6): halts
// the scheduler, then force-closes every live session's transport. The
// Room Registry is left to drain via the resulting drop() calls.
func (h *Hub) Stop() {
	h.scheduler.Stop()
	for _, sess := range h.Directory.Snapshot() {
		_ = sess.Transport.Close()
		h.Directory.Drop(sess.ClientID)
	}
}

// ServeHTTP is the connection endpoint of spec §6: it rate-limits by
// source IP (the forwarding headers when present, else the host part of
// the remote address), resolves or generates a ClientId from the "clientId"
// query parameter, upgrades to WebSocket, and hands off to accept().
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.connLimiter.Allow(ip) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		logging.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = clientid.Generate()
	}

	h.accept(conn, id)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
