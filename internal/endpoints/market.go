package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/bus"
	"github.com/BranchManager69/degenduel-ws/internal/gateway"
	"github.com/BranchManager69/degenduel-ws/internal/store"
)

// Market channel names. Per-symbol channels are created on demand as
// token.<symbol>.
const (
	ChannelTokens = "public.tokens"
	ChannelMarket = "public.market"

	tokenChannelPrefix = "token."
)

const marketQueryTimeout = 3 * time.Second

// Market serves live token and market data. Anonymous access is
// allowed; all its channels are public.
type Market struct {
	catalog store.TokenCatalog

	ep     *gateway.Endpoint
	unsubs []func()
}

var (
	_ gateway.Handler        = (*Market)(nil)
	_ gateway.CleanupHandler = (*Market)(nil)
)

// NewMarket creates the market endpoint handler.
func NewMarket(catalog store.TokenCatalog) *Market {
	return &Market{catalog: catalog}
}

func (m *Market) Name() string { return "market" }

func (m *Market) OnInit(ep *gateway.Endpoint) error {
	m.ep = ep
	m.unsubs = append(m.unsubs,
		ep.Server().Bus().Subscribe(bus.EventMarketBroadcast, m.onMarketBroadcast),
	)
	return nil
}

func (m *Market) OnConnection(_ *gateway.Conn) {}

func (m *Market) OnClose(_ *gateway.Conn) {}

func (m *Market) OnCleanup() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// TokenUpdate mirrors the payload shape the market-data aggregator
// publishes: a batch of per-symbol updates.
type TokenUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change_24h,omitempty"`
	Volume24h float64 `json:"volume_24h,omitempty"`
}

// onMarketBroadcast fans a market batch out to the firehose channels
// and to each per-symbol channel that currently has subscribers.
func (m *Market) onMarketBroadcast(ev bus.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	data, ok := payload["data"]
	if !ok {
		return
	}

	srv := m.ep.Server()
	srv.BroadcastPayload(ChannelTokens, "token_update", data)
	srv.BroadcastPayload(ChannelMarket, "token_update", data)

	// Per-symbol fan-out only where someone is listening.
	items, ok := data.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		symbol, _ := entry["symbol"].(string)
		if symbol == "" {
			continue
		}
		channel := tokenChannelPrefix + symbol
		if srv.Channels().Count(channel) == 0 {
			continue
		}
		srv.BroadcastPayload(channel, "token_update", entry)
	}
}

func (m *Market) OnMessage(c *gateway.Conn, msg gateway.Message) error {
	switch msg.Type {
	case "subscribe_tokens":
		return m.subscribeTokens(c, msg)
	case "unsubscribe_tokens":
		return m.unsubscribeTokens(c, msg)
	case "get_token":
		return m.getToken(c, msg)
	case "get_all_tokens":
		return m.getAllTokens(c, msg)
	default:
		return gateway.ErrUnhandledType
	}
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
	Symbol  string   `json:"symbol"`
	Address string   `json:"address"`
}

// subscribeTokens validates each symbol against the catalog before
// auto-creating its token.<symbol> subscription. Unknown symbols are
// reported and skipped; valid ones still subscribe.
func (m *Market) subscribeTokens(c *gateway.Conn, msg gateway.Message) error {
	var req symbolsRequest
	if err := decodeData(msg, &req); err != nil || len(req.Symbols) == 0 {
		c.SendError(gateway.ErrCodeInvalidMessage, "subscribe_tokens requires symbols", msg.RequestID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), marketQueryTimeout)
	defer cancel()

	for _, symbol := range req.Symbols {
		if _, err := m.catalog.GetToken(ctx, symbol); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.SendError(gateway.ErrCodeNotFound, "Unknown token: "+symbol, msg.RequestID)
				continue
			}
			return fmt.Errorf("validate symbol %s: %w", symbol, err)
		}
		m.ep.Subscribe(c, tokenChannelPrefix+symbol, msg.RequestID)
	}
	return nil
}

func (m *Market) unsubscribeTokens(c *gateway.Conn, msg gateway.Message) error {
	var req symbolsRequest
	if err := decodeData(msg, &req); err != nil || len(req.Symbols) == 0 {
		c.SendError(gateway.ErrCodeInvalidMessage, "unsubscribe_tokens requires symbols", msg.RequestID)
		return nil
	}
	for _, symbol := range req.Symbols {
		m.ep.Unsubscribe(c, tokenChannelPrefix+symbol, msg.RequestID)
	}
	return nil
}

// getToken looks a token up by symbol, or by mint address when only an
// address is supplied.
func (m *Market) getToken(c *gateway.Conn, msg gateway.Message) error {
	var req symbolsRequest
	if err := decodeData(msg, &req); err != nil || (req.Symbol == "" && req.Address == "") {
		c.SendError(gateway.ErrCodeInvalidMessage, "get_token requires a symbol or address", msg.RequestID)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), marketQueryTimeout)
	defer cancel()

	var (
		token *store.Token
		err   error
		key   string
	)
	if req.Symbol != "" {
		key = req.Symbol
		token, err = m.catalog.GetToken(ctx, req.Symbol)
	} else {
		key = req.Address
		token, err = m.catalog.GetTokenByAddress(ctx, req.Address)
	}
	if errors.Is(err, store.ErrNotFound) {
		c.SendError(gateway.ErrCodeNotFound, "Unknown token: "+key, msg.RequestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get token %s: %w", key, err)
	}

	reply(c, "token_data", token, msg.RequestID)
	return nil
}

func (m *Market) getAllTokens(c *gateway.Conn, msg gateway.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), marketQueryTimeout)
	defer cancel()

	tokens, err := m.catalog.GetAllTokens(ctx)
	if err != nil {
		return fmt.Errorf("get all tokens: %w", err)
	}

	reply(c, "token_list", tokens, msg.RequestID)
	return nil
}

// MarketBroadcastPayload rebuilds the canonical bus payload for tests
// and local publishers.
func MarketBroadcastPayload(updates []TokenUpdate) map[string]any {
	raw, _ := json.Marshal(updates)
	var data []any
	_ = json.Unmarshal(raw, &data)
	return map[string]any{"data": data}
}
