package endpoints

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/logging"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

const (
	portfolioChannelPrefix = "portfolio."
	tradesChannelPrefix    = "trades."

	portfolioCacheTTL     = 15 * time.Second
	portfolioSweepEvery   = 15 * time.Second
	portfolioQueryTimeout = 3 * time.Second
	recentTradesLimit     = 50
)

// Portfolio serves per-principal holdings on portfolio.<id> and trade
// flow on trades.<id>. A background sweep keeps actively-subscribed
// principals' snapshots warm.
type Portfolio struct {
	portfolios store.PortfolioStore

	mu    sync.Mutex
	cache map[string]cacheEntry[*store.PortfolioSnapshot]

	ep        *gateway.Endpoint
	unsubs    []func()
	stopSweep chan struct{}
	sweepOnce sync.Once
}

var (
	_ gateway.Handler        = (*Portfolio)(nil)
	_ gateway.CleanupHandler = (*Portfolio)(nil)
)

// NewPortfolio creates the portfolio endpoint handler.
func NewPortfolio(portfolios store.PortfolioStore) *Portfolio {
	return &Portfolio{
		portfolios: portfolios,
		cache:      make(map[string]cacheEntry[*store.PortfolioSnapshot]),
		stopSweep:  make(chan struct{}),
	}
}

func (p *Portfolio) Name() string { return "portfolio" }

func (p *Portfolio) OnInit(ep *gateway.Endpoint) error {
	p.ep = ep
	b := ep.Server().Bus()
	p.unsubs = append(p.unsubs,
		b.Subscribe(bus.EventTradeExecuted, p.onTradeExecuted),
		b.Subscribe(bus.EventPortfolioUpdated, p.onPortfolioUpdated),
	)
	go p.sweepLoop()
	return nil
}

func (p *Portfolio) OnConnection(_ *gateway.Conn) {}

func (p *Portfolio) OnClose(_ *gateway.Conn) {}

// OnCleanup quiesces the sweep scheduler and drops bus subscriptions.
func (p *Portfolio) OnCleanup() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

// onTradeExecuted relays the trade to trades.<wallet>, then refreshes
// and rebroadcasts the portfolio snapshot.
func (p *Portfolio) onTradeExecuted(ev bus.Event) {
	wallet := walletFromPayload(ev.Payload)
	if wallet == "" {
		return
	}

	srv := p.ep.Server()
	srv.BroadcastPayload(tradesChannelPrefix+wallet, "trade_executed", ev.Payload)

	p.invalidate(wallet)
	p.refreshAndBroadcast(wallet)
}

func (p *Portfolio) onPortfolioUpdated(ev bus.Event) {
	wallet := walletFromPayload(ev.Payload)
	if wallet == "" {
		return
	}
	p.invalidate(wallet)
	p.refreshAndBroadcast(wallet)
}

func (p *Portfolio) invalidate(wallet string) {
	p.mu.Lock()
	delete(p.cache, wallet)
	p.mu.Unlock()
}

func (p *Portfolio) refreshAndBroadcast(wallet string) {
	srv := p.ep.Server()
	channel := portfolioChannelPrefix + wallet
	if srv.Channels().Count(channel) == 0 {
		return
	}

	snapshot, err := p.lookupSnapshot(wallet)
	if err != nil {
		logger := p.ep.Logger()
		logger.Warn().
			Err(err).
			Str("wallet", wallet).
			Msg("Portfolio refresh failed")
		return
	}
	srv.BroadcastPayload(channel, "portfolio_update", snapshot)
}

func (p *Portfolio) lookupSnapshot(wallet string) (*store.PortfolioSnapshot, error) {
	p.mu.Lock()
	if entry, ok := p.cache[wallet]; ok && entry.fresh(portfolioCacheTTL) {
		p.mu.Unlock()
		return entry.data, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), portfolioQueryTimeout)
	defer cancel()

	snapshot, err := p.portfolios.PortfolioSnapshot(ctx, wallet)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[wallet] = cacheEntry[*store.PortfolioSnapshot]{data: snapshot, insertedAt: time.Now()}
	p.mu.Unlock()
	return snapshot, nil
}

// sweepLoop periodically refreshes the snapshot of every wallet with a
// live portfolio subscription.
func (p *Portfolio) sweepLoop() {
	defer logging.RecoverPanic(p.ep.Logger(), "portfolioSweepLoop", nil)

	ticker := time.NewTicker(portfolioSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, channel := range p.ep.Server().Channels().Channels() {
				if !strings.HasPrefix(channel, portfolioChannelPrefix) {
					continue
				}
				wallet := strings.TrimPrefix(channel, portfolioChannelPrefix)
				p.invalidate(wallet)
				p.refreshAndBroadcast(wallet)
			}
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Portfolio) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "get_portfolio":
		return p.getPortfolio(c, msg)
	case "get_recent_trades":
		return p.getRecentTrades(c, msg)
	default:
		return gateway.ErrUnhandledType
	}
}

func (p *Portfolio) getPortfolio(c *gateway.Conn, msg gateway.Message) error {
	principal := c.Principal()
	if principal == nil {
		c.SendError(gateway.ErrCodeUnauthorized, "get_portfolio requires authentication", msg.RequestID)
		return nil
	}

	snapshot, err := p.lookupSnapshot(principal.Wallet)
	if errors.Is(err, store.ErrNotFound) {
		c.SendError(gateway.ErrCodeNotFound, "No portfolio for this wallet", msg.RequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get portfolio %s: %w", principal.Wallet, err)
	}

	reply(c, "portfolio_update", snapshot, msg.RequestID)
	return nil
}

func (p *Portfolio) getRecentTrades(c *gateway.Conn, msg gateway.Message) error {
	principal := c.Principal()
	if principal == nil {
		c.SendError(gateway.ErrCodeUnauthorized, "get_recent_trades requires authentication", msg.RequestID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), portfolioQueryTimeout)
	defer cancel()

	trades, err := p.portfolios.RecentTrades(ctx, principal.Wallet, recentTradesLimit)
	if err != nil {
		return fmt.Errorf("get recent trades %s: %w", principal.Wallet, err)
	}

	reply(c, "trade_list", trades, msg.RequestID)
	return nil
}
