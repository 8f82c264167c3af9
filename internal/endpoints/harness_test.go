package endpoints

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
)

func newHarness(t *testing.T, config gateway.EndpointConfig, handler gateway.Handler) (*gateway.Server, *gateway.Endpoint) {
	t.Helper()

	srv := gateway.NewServer(gateway.Options{
		Addr:   ":0",
		Logger: zerolog.Nop(),
		Bus:    bus.New(zerolog.Nop()),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = srv.Shutdown(ctx)
	})

	if config.MaxPayloadBytes == 0 {
		config.MaxPayloadBytes = 1 << 20
	}
	if config.RateLimitPerMinute == 0 {
		config.RateLimitPerMinute = 1000
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
		config.HeartbeatTimeout = 10 * time.Second
	}

	ep, err := srv.RegisterEndpoint(config, handler)
	require.NoError(t, err)
	return srv, ep
}

// connect attaches a client over net.Pipe and consumes the two
// handshake frames.
func connect(t *testing.T, ep *gateway.Endpoint, p *auth.Principal) net.Conn {
	t.Helper()

	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() {
		srvSide.Close()
		cliSide.Close()
	})

	phase := gateway.AuthNotStarted
	if p != nil {
		phase = gateway.AuthCompleted
	}
	ep.Attach(srvSide, p, "127.0.0.1", phase)

	welcome := read(t, cliSide)
	require.Equal(t, gateway.TypeWelcome, welcome.Type)
	established := read(t, cliSide)
	require.Equal(t, gateway.TypeConnectionEstablished, established.Type)
	return cliSide
}

func read(t *testing.T, cli net.Conn) gateway.Message {
	t.Helper()
	require.NoError(t, cli.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(cli)
	require.NoError(t, err)
	var msg gateway.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, cli net.Conn, msgType string, data any, requestID string) {
	t.Helper()
	msg := gateway.Message{Type: msgType, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		msg.Data = raw
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, raw))
}

func writeRaw(t *testing.T, cli net.Conn, raw []byte) {
	t.Helper()
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, raw))
}

func subscribe(t *testing.T, cli net.Conn, channel string) {
	t.Helper()
	raw, err := json.Marshal(gateway.Message{Type: gateway.TypeSubscribe, Channel: channel})
	require.NoError(t, err)
	require.NoError(t, cli.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wsutil.WriteClientText(cli, raw))
	confirmed := read(t, cli)
	require.Equal(t, gateway.TypeSubscriptionConfirmed, confirmed.Type)
	require.Equal(t, channel, confirmed.Channel)
}

func errCode(t *testing.T, msg gateway.Message) string {
	t.Helper()
	require.Equal(t, gateway.TypeError, msg.Type)
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	return payload.Code
}
