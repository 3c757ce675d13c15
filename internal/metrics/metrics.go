// Package metrics exposes Prometheus collectors for the connection hub.
//
// Naming convention: namespace_subsystem_name, mirroring the pack's
// video-conferencing metrics layout:
//   - namespace: roomrelay
//   - subsystem: session, connection, room, broadcast, heartbeat
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of live sessions in the Session
	// Directory (Gauge - current state).
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomrelay",
		Subsystem: "session",
		Name:      "active",
		Help:      "Current number of live client sessions",
	})

	// SessionsAdmitted counts admit() calls, labeled by whether the new
	// session inherited a displaced prior session's room (resumption).
	// Displacing a prior session that had joined no room counts as fresh.
	SessionsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomrelay",
		Subsystem: "session",
		Name:      "admitted_total",
		Help:      "Total sessions admitted, labeled by whether a prior session's room was inherited",
	}, []string{"resumed"})

	// SessionsEvicted counts drop() calls triggered by the Heartbeat
	// Scheduler, as opposed to a clean client-initiated close.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roomrelay",
		Subsystem: "heartbeat",
		Name:      "evicted_total",
		Help:      "Total sessions evicted for exceeding the liveness threshold",
	})

	// ConnectionsRejected counts upgrade attempts turned away before a
	// session ever reaches the Session Directory (rate limiting).
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomrelay",
		Subsystem: "connection",
		Name:      "rejected_total",
		Help:      "Total connection attempts rejected before admission, labeled by reason",
	}, []string{"reason"})

	// RoomsActive tracks the number of rooms currently in the Room
	// Registry (Gauge - current state).
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomrelay",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of rooms with at least one member",
	})

	// RoomMembers tracks membership count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomrelay",
		Subsystem: "room",
		Name:      "members",
		Help:      "Current member count for a room",
	}, []string{"room_id"})

	// BroadcastSends counts per-recipient send outcomes.
	BroadcastSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomrelay",
		Subsystem: "broadcast",
		Name:      "sends_total",
		Help:      "Total per-recipient send attempts, labeled by outcome",
	}, []string{"outcome"}) // delivered, failed, skipped

	// BroadcastSendDuration tracks how long sendWithRetry spends per
	// recipient, including retries.
	BroadcastSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roomrelay",
		Subsystem: "broadcast",
		Name:      "send_duration_seconds",
		Help:      "Time spent in sendWithRetry per recipient",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 10, 18},
	})
)

// SetRoomMembers records the member count for a room, clearing the
// series once the room empties so destroyed rooms don't linger in
// /metrics output.
func SetRoomMembers(roomID string, count int) {
	if count == 0 {
		RoomMembers.DeleteLabelValues(roomID)
		return
	}
	RoomMembers.WithLabelValues(roomID).Set(float64(count))
}
