package server

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aeolun/voxelgate/pkg/protocol"
)

// keepAlive tracks the one ping a connection may have outstanding.
type keepAlive struct {
	mu          sync.Mutex
	id          int32
	sentAt      time.Time
	outstanding bool
}

// keepAliveTick is called once per ping interval. A ping still unanswered
// from the previous tick kicks the client; otherwise a fresh one is sent.
func (c *Connection) keepAliveTick(now time.Time) {
	if c.failing.Load() || c.State() != protocol.StatePlay {
		return
	}
	c.ping.mu.Lock()
	if c.ping.outstanding {
		c.ping.mu.Unlock()
		c.Kick("ping timeout", fmt.Errorf("%w: no keep-alive reply", ErrTimeout))
		return
	}
	id := rand.Int32N(1<<31-1) + 1
	c.ping.id = id
	c.ping.sentAt = now
	c.ping.outstanding = true
	c.ping.mu.Unlock()

	_ = c.Send(&protocol.KeepAliveMessage{ID: id})
}

// handleKeepAlive checks a pong against the last ping sent. A repeat of an
// answered id is ignored; any other id is a violation, even with no ping
// outstanding.
func handleKeepAlive(c *Connection, msg *protocol.KeepAliveMessage) error {
	if c.failing.Load() {
		return nil
	}
	c.ping.mu.Lock()
	defer c.ping.mu.Unlock()
	if msg.ID != c.ping.id {
		return fmt.Errorf("%w: keep-alive id %d, expected %d", ErrViolation, msg.ID, c.ping.id)
	}
	if !c.ping.outstanding {
		return nil
	}
	c.ping.outstanding = false
	c.srv.metrics.KeepAliveRTT(time.Since(c.ping.sentAt))
	return nil
}

// keepAliveLoop pings every Play connection until shutdown.
func (s *Server) keepAliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case now := <-ticker.C:
			for _, c := range s.conns.Players() {
				c.keepAliveTick(now)
			}
		}
	}
}
