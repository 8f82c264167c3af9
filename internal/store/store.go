// Package store defines the read-only contracts the gateway has with
// its backend data stores, plus the Postgres and Redis adapters. The
// core engine and endpoints consume interfaces only; tests use the
// in-memory implementations from memory.go.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup target does not exist.
var ErrNotFound = errors.New("store: not found")

// Token is a normalized token record from the token catalog.
type Token struct {
	Symbol    string    `json:"symbol"`
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	Volume24h float64   `json:"volume_24h"`
	MarketCap float64   `json:"market_cap"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a user record. Role is the authoritative role; a token
// claiming a different role loses to this value.
type User struct {
	Wallet    string    `json:"wallet_address"`
	Nickname  string    `json:"nickname"`
	Role      string    `json:"role"` // user | admin | superadmin
	CreatedAt time.Time `json:"created_at"`
}

// Balance is an on-chain balance snapshot. The provider may be
// unavailable; callers must tolerate a nil result.
type Balance struct {
	Wallet    string    `json:"wallet_address"`
	Lamports  int64     `json:"lamports"`
	Sol       float64   `json:"sol"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Holding is one position inside a portfolio.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Amount   float64 `json:"amount"`
	ValueUSD float64 `json:"value_usd"`
}

// PortfolioSnapshot is the aggregate view broadcast on portfolio channels.
type PortfolioSnapshot struct {
	Wallet    string    `json:"wallet_address"`
	Holdings  []Holding `json:"holdings"`
	TotalUSD  float64   `json:"total_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trade is one executed trade.
type Trade struct {
	ID         string    `json:"id"`
	Wallet     string    `json:"wallet_address"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // buy | sell
	Amount     float64   `json:"amount"`
	PriceUSD   float64   `json:"price_usd"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Contest is a contest record from the contest engine's store.
type Contest struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"` // pending | active | completed | cancelled
	EntryFee     float64   `json:"entry_fee"`
	PrizePool    float64   `json:"prize_pool"`
	Participants int       `json:"participants"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
}

// TokenCatalog is the read contract with the market-data aggregator.
type TokenCatalog interface {
	GetAllTokens(ctx context.Context) ([]Token, error)
	GetToken(ctx context.Context, symbol string) (*Token, error)
	GetTokenByAddress(ctx context.Context, address string) (*Token, error)
}

// UserStore resolves principals. GetUserByWallet returns ErrNotFound
// for unknown wallets.
type UserStore interface {
	GetUserByWallet(ctx context.Context, wallet string) (*User, error)
}

// BalanceProvider looks up on-chain balances. A (nil, nil) return means
// the provider is temporarily unavailable.
type BalanceProvider interface {
	Balance(ctx context.Context, wallet string) (*Balance, error)
}

// PortfolioStore reads holdings, trades and snapshots.
type PortfolioStore interface {
	PortfolioSnapshot(ctx context.Context, wallet string) (*PortfolioSnapshot, error)
	RecentTrades(ctx context.Context, wallet string, limit int) ([]Trade, error)
}

// ContestStore reads contest state.
type ContestStore interface {
	ActiveContests(ctx context.Context) ([]Contest, error)
	GetContest(ctx context.Context, id string) (*Contest, error)
}

// SettingsStore reads system settings (maintenance flag, background
// scene, terminal content bundle, ...). Values are opaque JSON.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
}
