package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/bus"
)

// stubHandler is a minimal specialization for engine tests.
type stubHandler struct {
	name      string
	onMessage func(c *Conn, msg Message) error
	closed    []*Conn
}

func (h *stubHandler) Name() string              { return h.name }
func (h *stubHandler) OnInit(_ *Endpoint) error  { return nil }
func (h *stubHandler) OnConnection(_ *Conn)      {}
func (h *stubHandler) OnClose(c *Conn)           { h.closed = append(h.closed, c) }
func (h *stubHandler) OnMessage(c *Conn, msg Message) error {
	if h.onMessage != nil {
		return h.onMessage(c, msg)
	}
	return ErrUnhandledType
}

type endpointOption func(*EndpointConfig)

func newTestServer(t *testing.T, opts ...endpointOption) (*Server, *Endpoint) {
	t.Helper()

	srv := NewServer(Options{
		Addr:   ":0",
		Logger: zerolog.Nop(),
		Bus:    bus.New(zerolog.Nop()),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = srv.Shutdown(ctx)
	})

	config := EndpointConfig{
		Path:               "/ws/test",
		AuthMode:           auth.ModeAuto,
		MaxPayloadBytes:    1 << 20,
		RateLimitPerMinute: 1000,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}

	ep, err := srv.RegisterEndpoint(config, &stubHandler{name: "stub"})
	require.NoError(t, err)
	return srv, ep
}

func withAuthRequired() endpointOption {
	return func(c *EndpointConfig) { c.AuthRequired = true }
}

func withRateLimit(n int) endpointOption {
	return func(c *EndpointConfig) { c.RateLimitPerMinute = n }
}

func withMaxPayload(n int64) endpointOption {
	return func(c *EndpointConfig) { c.MaxPayloadBytes = n }
}

// newPipeConn builds a registered-looking Conn without read/write
// loops, for registry-level tests.
func newPipeConn(t *testing.T, ep *Endpoint, p *auth.Principal) *Conn {
	t.Helper()
	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() {
		srvSide.Close()
		cliSide.Close()
	})
	c := newConn(uuid.NewString(), srvSide, ep, p, "127.0.0.1")
	c.state.Store(StateEstablished)
	return c
}

// dial attaches a connection over net.Pipe and returns the client side
// plus the server-side Conn. The welcome frame is consumed.
func dial(t *testing.T, ep *Endpoint, p *auth.Principal) (net.Conn, *Conn) {
	t.Helper()

	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() {
		srvSide.Close()
		cliSide.Close()
	})

	phase := AuthNotStarted
	if p != nil {
		phase = AuthCompleted
	}
	c := ep.Attach(srvSide, p, "127.0.0.1", phase)

	welcome := readMsg(t, cliSide)
	require.Equal(t, TypeWelcome, welcome.Type)
	return cliSide, c
}

// dialEstablished also consumes the connection_established frame.
func dialEstablished(t *testing.T, ep *Endpoint, p *auth.Principal) (net.Conn, *Conn) {
	t.Helper()
	cli, c := dial(t, ep, p)
	established := readMsg(t, cli)
	require.Equal(t, TypeConnectionEstablished, established.Type)
	return cli, c
}

func readMsg(t *testing.T, cli net.Conn) Message {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(cli)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readClose drains frames until the server's close frame and returns
// its status code and reason. Frames are parsed directly so no close
// echo is written back; the server tears the socket down right after
// sending the frame.
func readClose(t *testing.T, cli net.Conn) (ws.StatusCode, string) {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		frame, err := ws.ReadFrame(cli)
		require.NoError(t, err)
		if frame.Header.OpCode == ws.OpClose {
			code, reason := ws.ParseCloseFrameData(frame.Payload)
			return code, reason
		}
	}
}

// awaitClose is readClose for a background goroutine: it reports the
// close frame on a channel instead of failing the test directly.
type closeResult struct {
	code   ws.StatusCode
	reason string
	err    error
}

func awaitClose(cli net.Conn) <-chan closeResult {
	out := make(chan closeResult, 1)
	go func() {
		_ = cli.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			frame, err := ws.ReadFrame(cli)
			if err != nil {
				out <- closeResult{err: err}
				return
			}
			if frame.Header.OpCode == ws.OpClose {
				code, reason := ws.ParseCloseFrameData(frame.Payload)
				out <- closeResult{code: code, reason: reason}
				return
			}
		}
	}()
	return out
}

// writeClientFrame masks and writes a raw frame, for tests that need
// control over opcodes and fragmentation.
func writeClientFrame(t *testing.T, cli net.Conn, frame ws.Frame) {
	t.Helper()
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.WriteFrame(cli, ws.MaskFrame(frame)))
}

func readFrame(t *testing.T, cli net.Conn) ws.Frame {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ws.ReadFrame(cli)
	require.NoError(t, err)
	return frame
}

func writeMsg(t *testing.T, cli net.Conn, msg Message) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, raw))
}

func errorCode(t *testing.T, msg Message) string {
	t.Helper()
	require.Equal(t, TypeError, msg.Type)
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload.Code
}

func TestHandshakeAnonymous(t *testing.T) {
	_, ep := newTestServer(t)
	cli, c := dial(t, ep, nil)

	established := readMsg(t, cli)
	require.Equal(t, TypeConnectionEstablished, established.Type)

	var payload struct {
		ConnectionID  string `json:"connectionId"`
		Authenticated bool   `json:"authenticated"`
	}
	require.NoError(t, json.Unmarshal(established.Data, &payload))
	assert.Equal(t, c.ID, payload.ConnectionID)
	assert.False(t, payload.Authenticated)
	assert.Equal(t, StateEstablished, c.State())
}

func TestHandshakeAuthenticated(t *testing.T) {
	_, ep := newTestServer(t, withAuthRequired())
	cli, c := dial(t, ep, &auth.Principal{Wallet: "w1", Role: auth.RoleUser, Nickname: "deg"})

	established := readMsg(t, cli)
	var payload struct {
		Authenticated bool           `json:"authenticated"`
		User          map[string]any `json:"user"`
	}
	require.NoError(t, json.Unmarshal(established.Data, &payload))
	assert.True(t, payload.Authenticated)
	assert.Equal(t, "w1", payload.User["wallet"])
	assert.True(t, c.Authenticated())
}

func TestAuthRequiredRejectsAnonymous(t *testing.T) {
	_, ep := newTestServer(t, withAuthRequired())
	cli, _ := dial(t, ep, nil)

	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeUnauthorized, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, CloseUnauthorized, code)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.tokens", RequestID: "r1"})
	confirmed := readMsg(t, cli)
	assert.Equal(t, TypeSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, "public.tokens", confirmed.Channel)
	assert.Equal(t, "r1", confirmed.RequestID)

	// Membership is symmetric.
	assert.True(t, c.subscriptions.Has("public.tokens"))
	assert.Equal(t, []*Conn{c}, srv.Channels().Subscribers("public.tokens"))

	data, _ := json.Marshal([]map[string]any{{"symbol": "SOL", "price": 145.23}})
	srv.Broadcast("public.tokens", Message{Type: "token_update", Data: data})

	update := readMsg(t, cli)
	assert.Equal(t, "token_update", update.Type)
	assert.Equal(t, "public.tokens", update.Channel)
	assert.NotEmpty(t, update.Timestamp)
	assert.JSONEq(t, string(data), string(update.Data))
}

func TestRepeatedSubscribeYieldsSingleMembership(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.tokens"})
	readMsg(t, cli)
	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.tokens"})
	readMsg(t, cli)

	assert.Len(t, srv.Channels().Subscribers("public.tokens"), 1)
	assert.Equal(t, 1, c.subscriptions.Count())
}

func TestSubscribeDeniedAdminChannel(t *testing.T) {
	srv, ep := newTestServer(t, withAuthRequired())
	cli, c := dialEstablished(t, ep, &auth.Principal{Wallet: "w1", Role: auth.RoleUser})

	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "admin.services"})
	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeSubscriptionDenied, errorCode(t, errMsg))

	// No state mutated.
	assert.False(t, c.subscriptions.Has("admin.services"))
	assert.Nil(t, srv.Channels().Subscribers("admin.services"))
	assert.Equal(t, StateEstablished, c.State())
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.tokens"})
	readMsg(t, cli)
	writeMsg(t, cli, Message{Type: TypeUnsubscribe, Channel: "public.tokens"})
	confirmed := readMsg(t, cli)
	assert.Equal(t, TypeUnsubscriptionConfirmed, confirmed.Type)

	// Indistinguishable from never having subscribed.
	assert.False(t, c.subscriptions.Has("public.tokens"))
	assert.Empty(t, srv.Channels().Channels())

	// Unsubscribing again is a confirmed no-op.
	writeMsg(t, cli, Message{Type: TypeUnsubscribe, Channel: "public.tokens"})
	confirmed = readMsg(t, cli)
	assert.Equal(t, TypeUnsubscriptionConfirmed, confirmed.Type)
}

func TestHeartbeatAck(t *testing.T) {
	_, ep := newTestServer(t)
	cli, _ := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeHeartbeat, RequestID: "hb1"})
	ack := readMsg(t, cli)
	assert.Equal(t, TypeHeartbeatAck, ack.Type)
	assert.Equal(t, "hb1", ack.RequestID)
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	_, ep := newTestServer(t)
	cli, _ := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: "bogus"})
	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeInvalidMessage, errorCode(t, errMsg))

	// Still serving.
	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	assert.Equal(t, TypeHeartbeatAck, readMsg(t, cli).Type)
}

func TestHandlerErrorYieldsServerError(t *testing.T) {
	_, ep := newTestServer(t)
	ep.handler = &stubHandler{name: "stub", onMessage: func(*Conn, Message) error {
		panic("handler exploded")
	}}
	cli, _ := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: "explode"})
	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeServerError, errorCode(t, errMsg))

	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	assert.Equal(t, TypeHeartbeatAck, readMsg(t, cli).Type)
}

func TestMalformedFrameCloses(t *testing.T) {
	_, ep := newTestServer(t)
	cli, _ := dialEstablished(t, ep, nil)

	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, []byte("not json")))

	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeInvalidMessage, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, CloseUnsupportedData, code)
}

func TestOversizeFrameCloses(t *testing.T) {
	srv, ep := newTestServer(t, withMaxPayload(64))
	cli, c := dialEstablished(t, ep, nil)

	big := make([]byte, 128)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, big))

	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeInvalidMessage, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, CloseUnsupportedData, code)

	require.Eventually(t, func() bool {
		return srv.Clients().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	_ = c
}

func TestFragmentedMessageReassembles(t *testing.T) {
	_, ep := newTestServer(t)
	cli, _ := dialEstablished(t, ep, nil)

	raw, err := json.Marshal(Message{Type: TypeHeartbeat, RequestID: "frag1"})
	require.NoError(t, err)
	split := len(raw) / 2
	writeClientFrame(t, cli, ws.NewFrame(ws.OpText, false, raw[:split]))
	writeClientFrame(t, cli, ws.NewFrame(ws.OpContinuation, true, raw[split:]))

	ack := readMsg(t, cli)
	assert.Equal(t, TypeHeartbeatAck, ack.Type)
	assert.Equal(t, "frag1", ack.RequestID)
}

func TestFragmentedMessageObeysPayloadCap(t *testing.T) {
	srv, ep := newTestServer(t, withMaxPayload(64))
	cli, _ := dialEstablished(t, ep, nil)

	// Each fragment is under the cap; the reassembled message is not.
	chunk := make([]byte, 50)
	for i := range chunk {
		chunk[i] = 'a'
	}
	writeClientFrame(t, cli, ws.NewFrame(ws.OpText, false, chunk))
	writeClientFrame(t, cli, ws.NewFrame(ws.OpContinuation, false, chunk))

	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeInvalidMessage, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, CloseUnsupportedData, code)

	require.Eventually(t, func() bool {
		return srv.Clients().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlFramesConsumeBudget(t *testing.T) {
	_, ep := newTestServer(t, withRateLimit(2))
	cli, _ := dialEstablished(t, ep, nil)

	for i := 0; i < 2; i++ {
		writeClientFrame(t, cli, ws.NewPingFrame([]byte("hb")))
		pong := readFrame(t, cli)
		assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	}

	// Third frame in the window breaches the budget even though it is a
	// control frame.
	writeClientFrame(t, cli, ws.NewPingFrame([]byte("hb")))
	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeRateLimitExceeded, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, ClosePolicyViolation, code)
}

func TestRateLimitBreach(t *testing.T) {
	_, ep := newTestServer(t, withRateLimit(2))
	cli, _ := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	readMsg(t, cli)
	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	readMsg(t, cli)

	// Third frame in the window breaches the budget.
	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	errMsg := readMsg(t, cli)
	assert.Equal(t, ErrCodeRateLimitExceeded, errorCode(t, errMsg))

	code, _ := readClose(t, cli)
	assert.Equal(t, ClosePolicyViolation, code)
}

func TestBudgetResetReopensWindow(t *testing.T) {
	_, ep := newTestServer(t, withRateLimit(2))
	cli, c := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	readMsg(t, cli)
	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	readMsg(t, cli)

	// Window boundary.
	c.budgetUsed.Store(0)

	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	assert.Equal(t, TypeHeartbeatAck, readMsg(t, cli).Type)
}

func TestHeartbeatExhaustionClosesConnection(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	closed := awaitClose(cli)

	interval := ep.config.HeartbeatInterval
	timeout := ep.config.HeartbeatTimeout
	for i := 0; i < heartbeatStrikeLimit; i++ {
		// An outstanding ping far past its response window; keep the
		// activity clock fresh so the sweep does not emit a new ping.
		c.pingSentAt.Store(time.Now().Add(-time.Hour).UnixNano())
		c.lastActivity.Store(time.Now().UnixNano())
		ep.sweepHeartbeats(interval, timeout)
	}

	select {
	case res := <-closed:
		require.NoError(t, res.err)
		assert.Equal(t, ClosePolicyViolation, res.code)
		assert.Equal(t, "heartbeat timeout", res.reason)
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed after heartbeat exhaustion")
	}

	require.Eventually(t, func() bool {
		return srv.Clients().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStrikesResetOnActivity(t *testing.T) {
	_, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	c.heartbeatStrikes.Store(2)
	writeMsg(t, cli, Message{Type: TypeHeartbeat})
	readMsg(t, cli)

	assert.Equal(t, int32(0), c.heartbeatStrikes.Load())
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, _ := dialEstablished(t, ep, nil)

	closed := awaitClose(cli)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case res := <-closed:
		require.NoError(t, res.err)
		assert.Equal(t, CloseGoingAway, res.code)
	case <-time.After(3 * time.Second):
		t.Fatal("connection was not closed on shutdown")
	}
}

func TestCloseRemovesFromAllChannels(t *testing.T) {
	srv, ep := newTestServer(t)
	cli, c := dialEstablished(t, ep, nil)

	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.a"})
	readMsg(t, cli)
	writeMsg(t, cli, Message{Type: TypeSubscribe, Channel: "public.b"})
	readMsg(t, cli)

	cli.Close()

	require.Eventually(t, func() bool {
		return srv.Clients().Len() == 0 && len(srv.Channels().Channels()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
}
