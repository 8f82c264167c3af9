package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is the read-only adapter over the primary relational store.
// The gateway never writes; all mutation happens in the backend
// services that own the tables.
type Postgres struct {
	db *sql.DB
}

var (
	_ UserStore      = (*Postgres)(nil)
	_ TokenCatalog   = (*Postgres)(nil)
	_ PortfolioStore = (*Postgres)(nil)
	_ ContestStore   = (*Postgres)(nil)
	_ SettingsStore  = (*Postgres)(nil)
)

// OpenPostgres connects and verifies the connection. Pool sizing is
// conservative: the gateway issues short point reads only.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) GetUserByWallet(ctx context.Context, wallet string) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT wallet_address, nickname, role, created_at
		   FROM users WHERE wallet_address = $1`, wallet).
		Scan(&u.Wallet, &u.Nickname, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", wallet, err)
	}
	return &u, nil
}

func (p *Postgres) GetAllTokens(ctx context.Context) ([]Token, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT symbol, address, name, price, change_24h, volume_24h, market_cap, updated_at
		   FROM tokens WHERE is_active ORDER BY market_cap DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.Symbol, &t.Address, &t.Name, &t.Price,
			&t.Change24h, &t.Volume24h, &t.MarketCap, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (p *Postgres) GetToken(ctx context.Context, symbol string) (*Token, error) {
	return p.tokenRow(ctx,
		`SELECT symbol, address, name, price, change_24h, volume_24h, market_cap, updated_at
		   FROM tokens WHERE symbol = $1`, symbol)
}

func (p *Postgres) GetTokenByAddress(ctx context.Context, address string) (*Token, error) {
	return p.tokenRow(ctx,
		`SELECT symbol, address, name, price, change_24h, volume_24h, market_cap, updated_at
		   FROM tokens WHERE address = $1`, address)
}

func (p *Postgres) tokenRow(ctx context.Context, query, arg string) (*Token, error) {
	var t Token
	err := p.db.QueryRowContext(ctx, query, arg).
		Scan(&t.Symbol, &t.Address, &t.Name, &t.Price,
			&t.Change24h, &t.Volume24h, &t.MarketCap, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token %s: %w", arg, err)
	}
	return &t, nil
}

func (p *Postgres) PortfolioSnapshot(ctx context.Context, wallet string) (*PortfolioSnapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT h.symbol, h.amount, h.amount * t.price AS value_usd
		   FROM holdings h JOIN tokens t ON t.symbol = h.symbol
		  WHERE h.wallet_address = $1`, wallet)
	if err != nil {
		return nil, fmt.Errorf("query holdings %s: %w", wallet, err)
	}
	defer rows.Close()

	snap := &PortfolioSnapshot{Wallet: wallet, UpdatedAt: time.Now().UTC()}
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.Symbol, &h.Amount, &h.ValueUSD); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		snap.Holdings = append(snap.Holdings, h)
		snap.TotalUSD += h.ValueUSD
	}
	return snap, rows.Err()
}

func (p *Postgres) RecentTrades(ctx context.Context, wallet string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, wallet_address, symbol, side, amount, price_usd, executed_at
		   FROM trades WHERE wallet_address = $1
		  ORDER BY executed_at DESC LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades %s: %w", wallet, err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.Wallet, &t.Symbol, &t.Side,
			&t.Amount, &t.PriceUSD, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (p *Postgres) ActiveContests(ctx context.Context) ([]Contest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, status, entry_fee, prize_pool, participants, starts_at, ends_at
		   FROM contests WHERE status IN ('pending', 'active')
		  ORDER BY starts_at`)
	if err != nil {
		return nil, fmt.Errorf("query contests: %w", err)
	}
	defer rows.Close()

	var contests []Contest
	for rows.Next() {
		var c Contest
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.EntryFee,
			&c.PrizePool, &c.Participants, &c.StartsAt, &c.EndsAt); err != nil {
			return nil, fmt.Errorf("scan contest: %w", err)
		}
		contests = append(contests, c)
	}
	return contests, rows.Err()
}

func (p *Postgres) GetContest(ctx context.Context, id string) (*Contest, error) {
	var c Contest
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, status, entry_fee, prize_pool, participants, starts_at, ends_at
		   FROM contests WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Status, &c.EntryFee,
			&c.PrizePool, &c.Participants, &c.StartsAt, &c.EndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query contest %s: %w", id, err)
	}
	return &c, nil
}

func (p *Postgres) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query setting %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}
