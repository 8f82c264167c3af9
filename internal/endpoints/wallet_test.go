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

func walletHarness(t *testing.T) (*gateway.Server, *gateway.Endpoint, *store.Memory) {
	t.Helper()
	balances := store.NewMemory()
	balances.PutBalance(store.Balance{Wallet: "w1", Lamports: 2_500_000_000, Sol: 2.5})

	srv, ep := newHarness(t, gateway.EndpointConfig{
		Path:         "/ws/wallet",
		AuthRequired: true,
		AuthMode:     auth.ModeAuto,
	}, NewWallet(balances))
	return srv, ep, balances
}

func TestGetBalance(t *testing.T) {
	_, ep, _ := walletHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "w1", Role: auth.RoleUser})

	write(t, cli, "get_balance", nil, "r1")
	resp := read(t, cli)
	assert.Equal(t, "balance_update", resp.Type)
	assert.Equal(t, "r1", resp.RequestID)

	var balance store.Balance
	require.NoError(t, json.Unmarshal(resp.Data, &balance))
	assert.Equal(t, "w1", balance.Wallet)
	assert.InDelta(t, 2.5, balance.Sol, 0.0001)
}

func TestGetBalanceUnavailable(t *testing.T) {
	_, ep, _ := walletHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "w-unknown", Role: auth.RoleUser})

	write(t, cli, "get_balance", nil, "r1")
	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeNotFound, errCode(t, errMsg))
}

func TestBalanceUpdatePushOnTrade(t *testing.T) {
	srv, ep, _ := walletHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "w1", Role: auth.RoleUser})
	subscribe(t, cli, "wallet.w1")

	srv.Bus().Publish(bus.EventTradeExecuted, map[string]any{
		"wallet_address": "w1",
		"symbol":         "SOL",
		"side":           "buy",
	})

	update := read(t, cli)
	assert.Equal(t, "balance_update", update.Type)
	assert.Equal(t, "wallet.w1", update.Channel)

	var balance store.Balance
	require.NoError(t, json.Unmarshal(update.Data, &balance))
	assert.Equal(t, "w1", balance.Wallet)
}

func TestWalletChannelOwnerOnly(t *testing.T) {
	_, ep, _ := walletHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "w2", Role: auth.RoleUser})

	raw, err := json.Marshal(gateway.Message{Type: gateway.TypeSubscribe, Channel: "wallet.w1"})
	require.NoError(t, err)
	writeRaw(t, cli, raw)

	errMsg := read(t, cli)
	assert.Equal(t, gateway.ErrCodeSubscriptionDenied, errCode(t, errMsg))
}

func TestWalletChannelAdminBypass(t *testing.T) {
	srv, ep, _ := walletHarness(t)
	cli := connect(t, ep, &auth.Principal{Wallet: "admin-wallet", Role: auth.RoleAdmin})

	subscribe(t, cli, "wallet.w1")
	assert.Equal(t, 1, srv.Channels().Count("wallet.w1"))
}
