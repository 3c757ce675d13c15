// Package heartbeat implements the Heartbeat Scheduler of spec §4.5: a
// single process-wide periodic task that pings live sessions and
// evicts sessions that have gone stale.
package heartbeat

import (
	"sync"
	"time"

	"github.com/keniprimo/roomrelay/internal/logging"
	"github.com/keniprimo/roomrelay/internal/metrics"
	"github.com/keniprimo/roomrelay/internal/session"
	"go.uber.org/zap"
)

// Directory is the subset of the Session Directory the scheduler needs.
type Directory interface {
	Snapshot() []*session.Session
	Drop(clientID string)
}

// Scheduler is the Heartbeat Scheduler of spec §4.5. Tick runs every
// Interval; a session is evicted once now-lastActive exceeds
// LivenessThreshold (spec's "> HEARTBEAT_INTERVAL + HEARTBEAT_TIMEOUT,
// i.e. > 40000ms"), otherwise it's pinged if its transport is OPEN.
type Scheduler struct {
	directory         Directory
	interval          time.Duration
	livenessThreshold time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New constructs a Scheduler. It does not start ticking until Start is
// called.
func New(directory Directory, interval, livenessThreshold time.Duration) *Scheduler {
	return &Scheduler{
		directory:         directory,
		interval:          interval,
		livenessThreshold: livenessThreshold,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start runs the scheduler's tick loop on its own goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().UnixMilli()
	var evict []string

	for _, sess := range s.directory.Snapshot() {
		idle := now - sess.LastActive()
		if idle > s.livenessThreshold.Milliseconds() {
			evict = append(evict, sess.ClientID)
			continue
		}
		if sess.Transport.IsOpen() {
			if err := sess.Transport.SendPing(); err != nil {
				logging.L().Debug("heartbeat: ping failed",
					zap.String("client", logging.ShortID(sess.ClientID, 12)),
					zap.Error(err),
				)
			}
		}
	}

	for _, clientID := range evict {
		logging.L().Info("heartbeat: evicting stale session", zap.String("client", logging.ShortID(clientID, 12)))
		metrics.SessionsEvicted.Inc()
		s.directory.Drop(clientID)
	}
}
