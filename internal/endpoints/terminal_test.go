package endpoints

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BranchManager69/degenduel-ws/internal/auth"
	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

func terminalHarness(t *testing.T) (*gateway.Server, *gateway.Endpoint) {
	t.Helper()
	settings := store.NewMemory()
	settings.PutSetting(terminalContentKey, json.RawMessage(`{"motd":"gm degens"}`))

	return newHarness(t, gateway.EndpointConfig{
		Path:     "/ws/terminal",
		AuthMode: auth.ModeAuto,
	}, NewTerminal(settings))
}

func TestTerminalInitialFrame(t *testing.T) {
	_, ep := terminalHarness(t)
	cli := connect(t, ep, nil)

	// The content bundle arrives unprompted right after the handshake.
	initial := read(t, cli)
	assert.Equal(t, "terminal_content", initial.Type)
	assert.JSONEq(t, `{"motd":"gm degens"}`, string(initial.Data))
}

func TestGetTerminalContent(t *testing.T) {
	_, ep := terminalHarness(t)
	cli := connect(t, ep, nil)
	read(t, cli) // initial frame

	write(t, cli, "get_terminal_content", nil, "r1")
	resp := read(t, cli)
	assert.Equal(t, "terminal_content", resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
	assert.JSONEq(t, `{"motd":"gm degens"}`, string(resp.Data))
}

func TestTerminalBroadcastRecaches(t *testing.T) {
	srv, ep := terminalHarness(t)
	cli := connect(t, ep, nil)
	read(t, cli) // initial frame
	subscribe(t, cli, ChannelTerminal)

	srv.Bus().Publish(bus.EventTerminalBroadcast, map[string]any{"motd": "wagmi"})

	push := read(t, cli)
	assert.Equal(t, "terminal_content", push.Type)
	assert.Equal(t, ChannelTerminal, push.Channel)
	assert.JSONEq(t, `{"motd":"wagmi"}`, string(push.Data))

	// Subsequent queries serve the pushed bundle.
	write(t, cli, "get_terminal_content", nil, "r2")
	resp := read(t, cli)
	require.Equal(t, "terminal_content", resp.Type)
	assert.JSONEq(t, `{"motd":"wagmi"}`, string(resp.Data))
}
