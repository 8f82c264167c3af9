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

func marketHarness(t *testing.T) (*gateway.Server, *gateway.Endpoint, *store.Memory) {
	t.Helper()
	catalog := store.NewMemory()
	catalog.PutToken(store.Token{Symbol: "SOL", Name: "Solana", Price: 145.23})
	catalog.PutToken(store.Token{Symbol: "DUEL", Name: "DegenDuel", Price: 0.042})

	srv, ep := newHarness(t, gateway.EndpointConfig{
		Path:     "/ws/market",
		AuthMode: auth.ModeAuto,
	}, NewMarket(catalog))
	return srv, ep, catalog
}

func TestMarketBroadcastReachesFirehose(t *testing.T) {
	srv, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)
	subscribe(t, cli, ChannelTokens)

	srv.Bus().Publish(bus.EventMarketBroadcast, MarketBroadcastPayload([]TokenUpdate{
		{Symbol: "SOL", Price: 146.0},
		{Symbol: "DUEL", Price: 0.043},
	}))

	update := read(t, cli)
	assert.Equal(t, "token_update", update.Type)
	assert.Equal(t, ChannelTokens, update.Channel)

	var batch []TokenUpdate
	require.NoError(t, json.Unmarshal(update.Data, &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "SOL", batch[0].Symbol)
	assert.InDelta(t, 146.0, batch[0].Price, 0.0001)
}

func TestMarketPerSymbolFanOut(t *testing.T) {
	srv, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "subscribe_tokens", map[string]any{"symbols": []string{"SOL"}}, "r1")
	confirmed := read(t, cli)
	require.Equal(t, gateway.TypeSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, "token.SOL", confirmed.Channel)

	srv.Bus().Publish(bus.EventMarketBroadcast, MarketBroadcastPayload([]TokenUpdate{
		{Symbol: "SOL", Price: 150.0},
		{Symbol: "DUEL", Price: 0.05},
	}))

	// Only the SOL entry arrives; the client never joined token.DUEL or
	// the firehose channels.
	update := read(t, cli)
	assert.Equal(t, "token_update", update.Type)
	assert.Equal(t, "token.SOL", update.Channel)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(update.Data, &entry))
	assert.Equal(t, "SOL", entry["symbol"])
}

func TestSubscribeTokensUnknownSymbol(t *testing.T) {
	srv, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "subscribe_tokens", map[string]any{"symbols": []string{"NOPE", "SOL"}}, "r1")

	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeNotFound, errCode(t, errMsg))

	// The valid symbol still subscribes.
	confirmed := read(t, cli)
	assert.Equal(t, gateway.TypeSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, "token.SOL", confirmed.Channel)
	assert.Equal(t, 1, srv.Channels().Count("token.SOL"))
}

func TestGetToken(t *testing.T) {
	_, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "get_token", map[string]any{"symbol": "SOL"}, "r1")
	resp := read(t, cli)
	assert.Equal(t, "token_data", resp.Type)
	assert.Equal(t, "r1", resp.RequestID)

	var token store.Token
	require.NoError(t, json.Unmarshal(resp.Data, &token))
	assert.Equal(t, "Solana", token.Name)
}

func TestGetTokenByAddress(t *testing.T) {
	_, ep, catalog := marketHarness(t)
	catalog.PutToken(store.Token{Symbol: "BONK", Address: "DezX...bonk", Price: 0.00002})
	cli := connect(t, ep, nil)

	write(t, cli, "get_token", map[string]any{"address": "DezX...bonk"}, "r1")
	resp := read(t, cli)
	assert.Equal(t, "token_data", resp.Type)

	var token store.Token
	require.NoError(t, json.Unmarshal(resp.Data, &token))
	assert.Equal(t, "BONK", token.Symbol)
}

func TestGetTokenNotFound(t *testing.T) {
	_, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "get_token", map[string]any{"symbol": "NOPE"}, "r1")
	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeNotFound, errCode(t, errMsg))
	assert.Equal(t, "r1", errMsg.RequestID)
}

func TestGetAllTokens(t *testing.T) {
	_, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "get_all_tokens", nil, "r1")
	resp := read(t, cli)
	assert.Equal(t, "token_list", resp.Type)

	var tokens []store.Token
	require.NoError(t, json.Unmarshal(resp.Data, &tokens))
	assert.Len(t, tokens, 2)
}

func TestMarketUnknownType(t *testing.T) {
	_, ep, _ := marketHarness(t)
	cli := connect(t, ep, nil)

	write(t, cli, "get_moon_date", nil, "r1")
	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeInvalidMessage, errCode(t, errMsg))
}
