package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-memory implementation of every store contract. It
// backs the development mode (no POSTGRES_DSN configured) and the unit
// tests; production deployments use the Postgres and Redis adapters.
type Memory struct {
	mu        sync.RWMutex
	Users     map[string]User
	Tokens    map[string]Token // keyed by symbol
	Balances  map[string]Balance
	Snapshots map[string]PortfolioSnapshot
	Trades    map[string][]Trade
	Contests  map[string]Contest
	Settings  map[string]json.RawMessage
}

var (
	_ UserStore       = (*Memory)(nil)
	_ TokenCatalog    = (*Memory)(nil)
	_ BalanceProvider = (*Memory)(nil)
	_ PortfolioStore  = (*Memory)(nil)
	_ ContestStore    = (*Memory)(nil)
	_ SettingsStore   = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		Users:     make(map[string]User),
		Tokens:    make(map[string]Token),
		Balances:  make(map[string]Balance),
		Snapshots: make(map[string]PortfolioSnapshot),
		Trades:    make(map[string][]Trade),
		Contests:  make(map[string]Contest),
		Settings:  make(map[string]json.RawMessage),
	}
}

func (m *Memory) GetUserByWallet(_ context.Context, wallet string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.Users[wallet]; ok {
		out := u
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) GetAllTokens(_ context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]Token, 0, len(m.Tokens))
	for _, t := range m.Tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].MarketCap > tokens[j].MarketCap })
	return tokens, nil
}

func (m *Memory) GetToken(_ context.Context, symbol string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.Tokens[symbol]; ok {
		out := t
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) GetTokenByAddress(_ context.Context, address string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.Tokens {
		if t.Address == address {
			out := t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Balance(_ context.Context, wallet string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.Balances[wallet]; ok {
		out := b
		return &out, nil
	}
	return nil, nil // provider contract: unavailable reads as nil
}

func (m *Memory) PortfolioSnapshot(_ context.Context, wallet string) (*PortfolioSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.Snapshots[wallet]; ok {
		out := s
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) RecentTrades(_ context.Context, wallet string, limit int) ([]Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trades := m.Trades[wallet]
	if limit > 0 && limit < len(trades) {
		trades = trades[:limit]
	}
	out := make([]Trade, len(trades))
	copy(out, trades)
	return out, nil
}

func (m *Memory) ActiveContests(_ context.Context) ([]Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var contests []Contest
	for _, c := range m.Contests {
		if c.Status == "pending" || c.Status == "active" {
			contests = append(contests, c)
		}
	}
	sort.Slice(contests, func(i, j int) bool { return contests[i].StartsAt.Before(contests[j].StartsAt) })
	return contests, nil
}

func (m *Memory) GetContest(_ context.Context, id string) (*Contest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.Contests[id]; ok {
		out := c
		return &out, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) GetSetting(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.Settings[key]; ok {
		return v, nil
	}
	return nil, ErrNotFound
}

// Put helpers keep test and dev-mode setup terse.

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[u.Wallet] = u
}

func (m *Memory) PutToken(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tokens[t.Symbol] = t
}

func (m *Memory) PutBalance(b Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[b.Wallet] = b
}

func (m *Memory) PutSnapshot(s PortfolioSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots[s.Wallet] = s
}

func (m *Memory) PutTrade(t Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades[t.Wallet] = append([]Trade{t}, m.Trades[t.Wallet]...)
}

func (m *Memory) PutContest(c Contest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contests[c.ID] = c
}

func (m *Memory) PutSetting(key string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Settings[key] = value
}
