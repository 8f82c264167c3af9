package gateway

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// Connection lifecycle states.
const (
	StateConnecting int32 = iota
	StateAuthenticating
	StateEstablished
	StateClosing
	StateClosed
)

// Auth phases, tracked separately from the lifecycle state so a
// disconnect during the handshake can be counted as auth-interrupted.
const (
	AuthNotStarted int32 = iota
	AuthInProgress
	AuthCompleted
)

// sendBufferSize is the per-connection outbound queue. At 125 msg/sec
// broadcast load this is roughly two seconds of buffering before the
// slow-client path kicks in.
const sendBufferSize = 256

// slowClientStrikes is the number of consecutive failed sends before a
// client is disconnected as too slow.
const slowClientStrikes = 3

// Conn is one client connection. Owned by the endpoint that accepted
// it; registered process-wide in the client registry.
type Conn struct {
	ID        string
	endpoint  *Endpoint
	sock      net.Conn
	principal *auth.Principal // nil = anonymous; immutable after handshake
	remoteIP  string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// writeMu serializes frame writes to the socket. The write loop,
	// control replies and the close frame all share the socket.
	writeMu sync.Mutex

	state     atomic.Int32
	authPhase atomic.Int32

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nano

	subscriptions *SubscriptionSet

	// Rate limiting: messages consumed in the current window. Reset to
	// zero by the process-wide window ticker.
	budgetUsed atomic.Int64

	// Heartbeat: consecutive unanswered pings, and the send time of the
	// ping currently awaiting a pong (0 = none outstanding).
	heartbeatStrikes atomic.Int32
	pingSentAt       atomic.Int64 // unix nano

	// Slow-client detection: consecutive sends that found the buffer
	// full. Reset on every successful send.
	sendFailures atomic.Int32
	slowWarned   atomic.Bool

	// Close code recorded when a close has been initiated.
	pendingClose atomic.Int32
}

func newConn(id string, sock net.Conn, ep *Endpoint, principal *auth.Principal, remoteIP string) *Conn {
	c := &Conn{
		ID:            id,
		endpoint:      ep,
		sock:          sock,
		principal:     principal,
		remoteIP:      remoteIP,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
		subscriptions: NewSubscriptionSet(),
	}
	c.state.Store(StateConnecting)
	c.Touch()
	return c
}

// Principal returns the authenticated identity, or nil for anonymous.
func (c *Conn) Principal() *auth.Principal { return c.principal }

// Authenticated reports whether a principal is attached.
func (c *Conn) Authenticated() bool { return c.principal != nil }

// RemoteIP is the client address as seen through any proxy headers.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// State returns the current lifecycle state.
func (c *Conn) State() int32 { return c.state.Load() }

// writeFrame writes one frame to the socket under the write mutex.
func (c *Conn) writeFrame(frame ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.sock, frame)
}

// Open reports whether the connection can still accept frames.
func (c *Conn) Open() bool {
	s := c.state.Load()
	return s == StateEstablished || s == StateAuthenticating
}

// Touch records activity. Any client frame or pong counts and resets
// heartbeat strikes.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.heartbeatStrikes.Store(0)
	c.pingSentAt.Store(0)
}

// LastActivity returns the time of the most recent client activity.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TrySend queues a pre-serialized frame without blocking. A full
// buffer drops the frame, counts a strike and, at the threshold,
// disconnects the client as too slow.
func (c *Conn) TrySend(raw []byte) bool {
	if !c.Open() {
		return false
	}

	select {
	case c.send <- raw:
		c.sendFailures.Store(0)
		return true
	default:
		failures := c.sendFailures.Add(1)
		if failures == 1 && c.slowWarned.CompareAndSwap(false, true) {
			c.endpoint.logger.Warn().
				Str("connection_id", c.ID).
				Str("reason", "send_buffer_full").
				Msg("Client is slow")
		}
		if failures >= slowClientStrikes {
			c.endpoint.logger.Warn().
				Str("connection_id", c.ID).
				Int32("consecutive_failures", failures).
				Msg("Disconnecting slow client")
			c.CloseWith(ClosePolicyViolation, "Client too slow to process messages",
				metrics.DisconnectReasonSlowClient)
		}
		return false
	}
}

// SendMessage serializes and queues an envelope.
func (c *Conn) SendMessage(msg Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.endpoint.logger.Error().
			Err(err).
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("Failed to serialize outbound message")
		return false
	}
	if c.TrySend(raw) {
		metrics.MessageSent()
		return true
	}
	return false
}

// SendError emits a structured error frame and counts it.
func (c *Conn) SendError(code, message, requestID string) {
	metrics.ErrorEmitted(code)
	c.SendMessage(ErrorFrame(code, message, requestID))
}

// CloseWith initiates a close with the given code and reason. The
// close frame is written directly so it reaches the wire even when the
// send buffer is saturated. Safe to call multiple times; only the
// first wins.
func (c *Conn) CloseWith(code ws.StatusCode, reason, disconnectReason string) {
	c.closeOnce.Do(func() {
		c.pendingClose.Store(int32(code))
		c.state.Store(StateClosing)
		close(c.done)

		body := ws.NewCloseFrameBody(code, reason)
		_ = c.writeFrame(ws.NewCloseFrame(body))
		_ = c.sock.Close()

		if code != CloseNormal && code != CloseGoingAway {
			metrics.AbnormalClose()
		}

		initiator := metrics.DisconnectInitiatedByServer
		if disconnectReason == metrics.DisconnectReasonClientClose {
			initiator = metrics.DisconnectInitiatedByClient
		}
		metrics.ConnectionClosed(c.Authenticated(), time.Since(c.connectedAt), disconnectReason, initiator)
	})
}

// writeLoop drains the send channel onto the socket. One per
// connection; exits on close or the first failed write.
func (c *Conn) writeLoop() {
	defer c.endpoint.recoverConn(c, "writeLoop")

	for {
		select {
		case raw := <-c.send:
			if err := c.writeFrame(ws.NewTextFrame(raw)); err != nil {
				c.endpoint.logger.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("Write failed, closing connection")
				c.CloseWith(CloseInternalError, "write failure", metrics.DisconnectReasonWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}
