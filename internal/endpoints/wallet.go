package endpoints

import (
	"context"
	"sync"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

const (
	walletChannelPrefix  = "wallet."
	balanceChannelPrefix = "balance."

	balanceCacheTTL    = 15 * time.Second
	walletQueryTimeout = 3 * time.Second
)

// Wallet serves per-principal balance state on wallet.<id> and
// balance.<id> channels. Auth required; the access predicate restricts
// each channel to its owner (and admins).
type Wallet struct {
	balances store.BalanceProvider

	mu    sync.Mutex
	cache map[string]cacheEntry[*store.Balance]

	ep     *gateway.Endpoint
	unsubs []func()
}

var (
	_ gateway.Handler        = (*Wallet)(nil)
	_ gateway.CleanupHandler = (*Wallet)(nil)
)

// NewWallet creates the wallet endpoint handler.
func NewWallet(balances store.BalanceProvider) *Wallet {
	return &Wallet{
		balances: balances,
		cache:    make(map[string]cacheEntry[*store.Balance]),
	}
}

func (w *Wallet) Name() string { return "wallet" }

func (w *Wallet) OnInit(ep *gateway.Endpoint) error {
	w.ep = ep
	b := ep.Server().Bus()
	w.unsubs = append(w.unsubs,
		b.Subscribe(bus.EventTradeExecuted, w.onWalletEvent),
		b.Subscribe(bus.EventBalanceUpdated, w.onWalletEvent),
		b.Subscribe(bus.EventTransactionConfirmed, w.onWalletEvent),
	)
	return nil
}

func (w *Wallet) OnConnection(_ *gateway.Conn) {}

func (w *Wallet) OnClose(_ *gateway.Conn) {}

func (w *Wallet) OnCleanup() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
}

// onWalletEvent invalidates the cached balance for the affected wallet
// and pushes a fresh snapshot to its channels.
func (w *Wallet) onWalletEvent(ev bus.Event) {
	wallet := walletFromPayload(ev.Payload)
	if wallet == "" {
		return
	}

	w.mu.Lock()
	delete(w.cache, wallet)
	w.mu.Unlock()

	srv := w.ep.Server()
	walletCh := walletChannelPrefix + wallet
	balanceCh := balanceChannelPrefix + wallet
	if srv.Channels().Count(walletCh) == 0 && srv.Channels().Count(balanceCh) == 0 {
		return
	}

	balance, err := w.lookupBalance(wallet)
	if err != nil || balance == nil {
		return
	}
	srv.BroadcastPayload(walletCh, "balance_update", balance)
	srv.BroadcastPayload(balanceCh, "balance_update", balance)
}

func walletFromPayload(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"wallet_address", "wallet"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// lookupBalance serves from the TTL cache, falling through to the
// provider. A nil balance means the provider is unavailable.
func (w *Wallet) lookupBalance(wallet string) (*store.Balance, error) {
	w.mu.Lock()
	if entry, ok := w.cache[wallet]; ok && entry.fresh(balanceCacheTTL) {
		w.mu.Unlock()
		return entry.data, nil
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), walletQueryTimeout)
	defer cancel()

	balance, err := w.balances.Balance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		w.mu.Lock()
		w.cache[wallet] = cacheEntry[*store.Balance]{data: balance, insertedAt: time.Now()}
		w.mu.Unlock()
	}
	return balance, nil
}

func (w *Wallet) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_balance":
		return w.getBalance(c, msg)
	default:
		return gateway.ErrUnhandledType
	}
}

func (w *Wallet) getBalance(c *gateway.Conn, msg gateway.Message) error {
	p := c.Principal()
	if p == nil {
		c.SendError(gateway.ErrCodeUnauthorized, "get_balance requires authentication", msg.RequestID)
		return nil
	}

	balance, err := w.lookupBalance(p.Wallet)
	if err != nil {
		return err
	}
	if balance == nil {
		c.SendError(gateway.ErrCodeNotFound, "Balance unavailable", msg.RequestID)
		return nil
	}

	reply(c, "balance_update", balance, msg.RequestID)
	return nil
}
