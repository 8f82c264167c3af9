package gateway

import (
	"time"

	"github.com/gobwas/ws"

	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// heartbeatStrikeLimit is the number of consecutive unanswered pings
// tolerated before a connection is closed. Graded on purpose so a
// transient network blip does not cycle the connection.
const heartbeatStrikeLimit = 3

// heartbeatLoop drives liveness for every connection on this endpoint.
// The sweep runs at heartbeat-timeout granularity: each pass first
// scores overdue pings, then pings connections idle longer than the
// heartbeat interval.
func (ep *Endpoint) heartbeatLoop(stop <-chan struct{}) {
	defer logging.RecoverPanic(ep.logger, "heartbeatLoop", map[string]any{
		"endpoint": ep.handler.Name(),
	})

	interval := ep.config.HeartbeatInterval
	timeout := ep.config.HeartbeatTimeout
	if interval <= 0 {
		return
	}
	tick := timeout
	if tick <= 0 || tick > interval {
		tick = interval
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ep.sweepHeartbeats(interval, timeout)
		case <-stop:
			return
		}
	}
}

func (ep *Endpoint) sweepHeartbeats(interval, timeout time.Duration) {
	now := time.Now()

	ep.server.clients.Range(func(c *Conn) {
		if c.endpoint != ep || !c.Open() {
			return
		}

		// Score an outstanding ping that has gone unanswered.
		if sentAt := c.pingSentAt.Load(); sentAt != 0 {
			if now.Sub(time.Unix(0, sentAt)) >= timeout {
				strikes := c.heartbeatStrikes.Add(1)
				c.pingSentAt.Store(0)

				if strikes >= heartbeatStrikeLimit {
					ep.logger.Info().
						Str("connection_id", c.ID).
						Int32("strikes", strikes).
						Msg("Closing connection after heartbeat exhaustion")
					c.CloseWith(ClosePolicyViolation, "heartbeat timeout",
						metrics.DisconnectReasonHeartbeatTimeout)
					return
				}
			} else {
				// Ping still within its response window.
				return
			}
		}

		// Ping connections that have gone quiet.
		if now.Sub(c.LastActivity()) >= interval {
			if err := c.writeFrame(ws.NewPingFrame(nil)); err != nil {
				c.CloseWith(CloseInternalError, "ping write failure",
					metrics.DisconnectReasonWriteError)
				return
			}
			c.pingSentAt.Store(now.UnixNano())
		}
	})
}
