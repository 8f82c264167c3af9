package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/metrics"
)

// EndpointConfig is the static per-endpoint configuration.
type EndpointConfig struct {
	Path         string
	AuthRequired bool
	AuthMode     auth.Mode

	// PublicChannels are the channels anonymous connections may use on
	// an auth-required endpoint. Empty means anonymous connections are
	// rejected after the handshake.
	PublicChannels []string

	// Capabilities advertised in the welcome frame.
	Capabilities []string

	MaxPayloadBytes    int64
	RateLimitPerMinute int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
}

// Handler is the specialization contract. The engine owns transport,
// auth, rate limiting, heartbeat and the built-in message types;
// handlers own channel semantics and domain messages.
type Handler interface {
	Name() string

	// OnInit runs once at registration, before any connection.
	OnInit(ep *Endpoint) error

	// OnConnection runs after the handshake completes, on the
	// connection's read goroutine.
	OnConnection(c *Conn)

	// OnMessage receives every frame the engine does not handle
	// itself. Returning ErrUnhandledType yields an invalid_message
	// error to the client; any other error yields server_error. The
	// connection stays open either way.
	OnMessage(c *Conn, msg Message) error

	// OnClose runs once during cleanup, after the connection has left
	// every channel.
	OnClose(c *Conn)
}

// ErrUnhandledType is returned by OnMessage for unknown message types.
var ErrUnhandledType = errors.New("unhandled message type")

// CleanupHandler is implemented by handlers that own background tasks
// needing quiescing at shutdown.
type CleanupHandler interface {
	OnCleanup()
}

// SubscriptionObserver is implemented by handlers that react to
// channel membership changes.
type SubscriptionObserver interface {
	OnSubscribe(c *Conn, channel string)
	OnUnsubscribe(c *Conn, channel string)
}

// Endpoint binds one path to its config and handler and drives every
// connection accepted on it.
type Endpoint struct {
	config  EndpointConfig
	handler Handler
	server  *Server
	logger  zerolog.Logger

	publicChannels map[string]bool
}

func newEndpoint(config EndpointConfig, handler Handler, server *Server) *Endpoint {
	publicSet := make(map[string]bool, len(config.PublicChannels))
	for _, ch := range config.PublicChannels {
		publicSet[ch] = true
	}
	return &Endpoint{
		config:         config,
		handler:        handler,
		server:         server,
		logger:         server.logger.With().Str("endpoint", handler.Name()).Logger(),
		publicChannels: publicSet,
	}
}

// Config returns the endpoint's static configuration.
func (ep *Endpoint) Config() EndpointConfig { return ep.config }

// Server returns the owning server, giving handlers access to the
// broadcast path and registries.
func (ep *Endpoint) Server() *Server { return ep.server }

// Logger returns the endpoint-scoped logger.
func (ep *Endpoint) Logger() zerolog.Logger { return ep.logger }

func (ep *Endpoint) recoverConn(c *Conn, goroutine string) {
	logging.RecoverPanic(ep.logger, goroutine, map[string]any{"connection_id": c.ID})
}

// ServeHTTP handles the upgrade handshake: admission, authentication,
// protocol negotiation, then hands the socket to Attach.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if ep.server.draining() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !ep.server.originAllowed(r.Header.Get("Origin")) {
		ep.logger.Warn().
			Str("client_ip", clientIP).
			Str("origin", r.Header.Get("Origin")).
			Msg("Connection rejected by origin policy")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	if !ep.server.rateLimiter.Allow(clientIP) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := ep.server.guard.ShouldAccept(ep.server.clients.Len()); !accept {
		ep.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Int("current_connections", ep.server.clients.Len()).
			Msg("Connection rejected by resource guard")
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	// Authentication happens against the HTTP request, before the
	// upgrade, so the principal is pinned for the connection's
	// lifetime. A client that disconnects mid-verification is counted
	// as auth-interrupted, not as a failed session.
	var principal *auth.Principal
	authPhase := AuthNotStarted
	token := auth.ExtractToken(r, ep.config.AuthMode)
	if token != "" {
		authPhase = AuthInProgress
		p, err := ep.server.verifier.Authenticate(r.Context(), r, ep.config.AuthMode)
		if err != nil {
			if r.Context().Err() != nil {
				metrics.AuthInterrupted()
				return
			}
			ep.logger.Debug().
				Err(err).
				Str("client_ip", clientIP).
				Msg("Token verification failed")
			// Valid-signature-unknown-principal and bad tokens both
			// degrade to unauthenticated.
		} else {
			principal = p
		}
		authPhase = AuthCompleted
	}

	// Echo a JWT-shaped subprotocol offer so browser clients that
	// smuggle the token through Sec-WebSocket-Protocol complete their
	// handshake. No extension is ever negotiated: compression stays
	// off because a subset of real clients mishandles RSV1.
	subproto := auth.SubprotocolToken(r)
	upgrader := ws.HTTPUpgrader{
		Protocol: func(p string) bool { return subproto != "" && p == subproto },
	}

	sock, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		if authPhase == AuthInProgress {
			metrics.AuthInterrupted()
		}
		metrics.ConnectionsFailed.Inc()
		ep.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Upgrade failed")
		return
	}

	ep.Attach(sock, principal, clientIP, authPhase)
}

// Attach wires an upgraded socket into the engine: registry entry,
// write pump, welcome frames, then the read loop on the calling
// goroutine's behalf. Exported so tests can drive connections over
// net.Pipe without an HTTP listener.
func (ep *Endpoint) Attach(sock net.Conn, principal *auth.Principal, remoteIP string, authPhase int32) *Conn {
	c := newConn(uuid.NewString(), sock, ep, principal, remoteIP)
	c.authPhase.Store(authPhase)
	c.state.Store(StateAuthenticating)

	ep.server.clients.Add(c)
	metrics.ConnectionOpened(c.Authenticated())

	go c.writeLoop()
	go ep.readLoop(c)

	return c
}

func (ep *Endpoint) readLoop(c *Conn) {
	defer ep.recoverConn(c, "readLoop")
	defer ep.cleanup(c)

	// Handshake epilogue: welcome, then either a session or a
	// structured rejection. An auth-required endpoint with no public
	// channels closes unauthenticated sessions here, after the error
	// frame has hit the wire.
	c.writeNow(WelcomeFrame(c.ID, ep.config.Capabilities))

	if ep.config.AuthRequired && !c.Authenticated() && len(ep.publicChannels) == 0 {
		c.writeNow(ErrorFrame(ErrCodeUnauthorized, "Authentication required", ""))
		metrics.ErrorEmitted(ErrCodeUnauthorized)
		c.CloseWith(CloseUnauthorized, "unauthorized", metrics.DisconnectReasonUnauthorized)
		return
	}

	var user any
	if p := c.Principal(); p != nil {
		user = map[string]any{"wallet": p.Wallet, "role": string(p.Role), "nickname": p.Nickname}
	}
	// The state flips before the frame goes out so the session is
	// established by the time the client observes the frame.
	c.state.Store(StateEstablished)
	c.writeNow(EstablishedFrame(c.ID, c.Authenticated(), user))

	ep.handler.OnConnection(c)

	var fragments []byte
	var fragmented bool

	for {
		hdr, err := ws.ReadHeader(c.sock)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				ep.logger.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("Read failed")
			}
			c.CloseWith(CloseNormal, "", metrics.DisconnectReasonReadError)
			return
		}

		// The cap applies to the reassembled message, so continuation
		// frames count against whatever is already buffered.
		total := hdr.Length
		if fragmented && hdr.OpCode == ws.OpContinuation {
			total += int64(len(fragments))
		}
		if total > ep.config.MaxPayloadBytes {
			// Drain the declared payload first so the peer's in-flight
			// write completes and can observe the rejection frames.
			_, _ = io.CopyN(io.Discard, c.sock, hdr.Length)
			c.writeNow(ErrorFrame(ErrCodeInvalidMessage, "Payload exceeds maximum size", ""))
			metrics.ErrorEmitted(ErrCodeInvalidMessage)
			c.CloseWith(CloseUnsupportedData, "message too big", metrics.DisconnectReasonProtocolError)
			return
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(c.sock, payload); err != nil {
			c.CloseWith(CloseNormal, "", metrics.DisconnectReasonReadError)
			return
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		// Every inbound frame consumes budget, control and continuation
		// frames included, so fragmenting or ping-flooding is no cheaper
		// than sending whole messages.
		if hdr.OpCode != ws.OpClose && !ep.chargeBudget(c) {
			return
		}

		switch hdr.OpCode {
		case ws.OpClose:
			c.CloseWith(CloseNormal, "", metrics.DisconnectReasonClientClose)
			return

		case ws.OpPing:
			_ = c.writeFrame(ws.NewPongFrame(payload))
			c.Touch()

		case ws.OpPong:
			c.Touch()

		case ws.OpText, ws.OpBinary, ws.OpContinuation:
			if hdr.OpCode == ws.OpContinuation {
				if !fragmented {
					continue
				}
				fragments = append(fragments, payload...)
			} else {
				fragments = payload
				fragmented = true
			}
			if !hdr.Fin {
				continue
			}
			frame := fragments
			fragments = nil
			fragmented = false

			if !ep.dispatch(c, frame) {
				return
			}
		}
	}
}

// chargeBudget consumes one unit of the fixed-window budget; the
// process-wide minute ticker resets usage. Returns false when the
// breach closed the connection.
func (ep *Endpoint) chargeBudget(c *Conn) bool {
	if ep.config.RateLimitPerMinute <= 0 {
		return true
	}
	if used := c.budgetUsed.Add(1); used > int64(ep.config.RateLimitPerMinute) {
		metrics.RateLimitBreach()
		c.writeNow(ErrorFrame(ErrCodeRateLimitExceeded, "Rate limit exceeded", ""))
		metrics.ErrorEmitted(ErrCodeRateLimitExceeded)
		c.CloseWith(ClosePolicyViolation, "rate limit exceeded", metrics.DisconnectReasonRateLimit)
		return false
	}
	return true
}

// dispatch processes one complete inbound message. Returns false when
// the connection has been closed and the read loop should exit.
func (ep *Endpoint) dispatch(c *Conn, frame []byte) bool {
	metrics.MessageReceived()
	c.Touch()

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type == "" {
		c.writeNow(ErrorFrame(ErrCodeInvalidMessage, "Malformed message", ""))
		metrics.ErrorEmitted(ErrCodeInvalidMessage)
		c.CloseWith(CloseUnsupportedData, "malformed message", metrics.DisconnectReasonProtocolError)
		return false
	}

	switch msg.Type {
	case TypeHeartbeat:
		c.SendMessage(HeartbeatAckFrame(msg.RequestID))

	case TypeSubscribe:
		ep.Subscribe(c, msg.Channel, msg.RequestID)

	case TypeUnsubscribe:
		ep.Unsubscribe(c, msg.Channel, msg.RequestID)

	default:
		start := time.Now()
		err := ep.safeOnMessage(c, msg)
		metrics.ObserveHandlerDuration(time.Since(start))

		switch {
		case err == nil:
		case errors.Is(err, ErrUnhandledType):
			c.SendError(ErrCodeInvalidMessage, "Unknown message type: "+msg.Type, msg.RequestID)
		default:
			ep.logger.Error().
				Err(err).
				Str("connection_id", c.ID).
				Str("type", msg.Type).
				Msg("Handler failed")
			c.SendError(ErrCodeServerError, "Internal error processing message", msg.RequestID)
		}
	}
	return true
}

// safeOnMessage converts a handler panic into an error so one bad
// frame cannot take down the read loop.
func (ep *Endpoint) safeOnMessage(c *Conn, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error().
				Interface("panic_value", r).
				Str("connection_id", c.ID).
				Str("type", msg.Type).
				Msg("Handler panic recovered")
			err = errors.New("handler panic")
		}
	}()
	return ep.handler.OnMessage(c, msg)
}

// Subscribe runs the access check and, when allowed, creates the
// symmetric membership and confirms. Idempotent per connection.
func (ep *Endpoint) Subscribe(c *Conn, channel, requestID string) {
	if channel == "" {
		c.SendError(ErrCodeInvalidMessage, "subscribe requires a channel", requestID)
		return
	}
	if !ep.allowChannel(c, channel) {
		c.SendError(ErrCodeSubscriptionDenied, "You do not have access to this channel", requestID)
		return
	}

	already := c.subscriptions.Has(channel)
	ep.server.channels.Add(channel, c)
	c.subscriptions.Add(channel)
	c.SendMessage(SubscriptionFrame(TypeSubscriptionConfirmed, channel, requestID))

	if !already {
		if obs, ok := ep.handler.(SubscriptionObserver); ok {
			obs.OnSubscribe(c, channel)
		}
	}
}

// Unsubscribe removes the membership and confirms. Unsubscribing from
// a channel never joined is confirmed without state change.
func (ep *Endpoint) Unsubscribe(c *Conn, channel, requestID string) {
	if channel == "" {
		c.SendError(ErrCodeInvalidMessage, "unsubscribe requires a channel", requestID)
		return
	}

	was := c.subscriptions.Has(channel)
	ep.server.channels.Remove(channel, c)
	c.subscriptions.Remove(channel)
	c.SendMessage(SubscriptionFrame(TypeUnsubscriptionConfirmed, channel, requestID))

	if was {
		if obs, ok := ep.handler.(SubscriptionObserver); ok {
			obs.OnUnsubscribe(c, channel)
		}
	}
}

func (ep *Endpoint) allowChannel(c *Conn, channel string) bool {
	if handled, allowed := PersonalChannelAllowed(channel, c.Principal()); handled {
		if p := c.Principal(); p != nil && p.Role.IsAdmin() {
			return true
		}
		return allowed
	}
	if !c.Authenticated() && ep.config.AuthRequired {
		return ep.publicChannels[channel]
	}
	return CheckChannelAccess(channel, c.Principal(), ep.config.AuthRequired)
}

// cleanup is the single teardown path: close the transport, leave
// every channel, drop the registry entry, then let the handler clean
// its own state.
func (ep *Endpoint) cleanup(c *Conn) {
	if c.authPhase.Load() == AuthInProgress {
		metrics.AuthInterrupted()
	}

	c.CloseWith(CloseNormal, "", metrics.DisconnectReasonClientClose)

	ep.server.channels.RemoveConn(c)
	ep.server.clients.Remove(c.ID)
	c.state.Store(StateClosed)

	ep.handler.OnClose(c)

	ep.logger.Debug().
		Str("connection_id", c.ID).
		Dur("duration", time.Since(c.connectedAt)).
		Msg("Connection cleaned up")
}

// writeNow writes a frame synchronously, bypassing the send buffer.
// Used on rejection paths where the error frame must reach the wire
// before the close frame.
func (c *Conn) writeNow(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.writeFrame(ws.NewTextFrame(raw))
	metrics.MessageSent()
}

// clientIP extracts the client address, honoring X-Forwarded-For set
// by the reverse proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
