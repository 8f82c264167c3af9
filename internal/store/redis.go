package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBalances serves on-chain balance lookups from the key-value
// cache the balance tracker maintains. The cache is best-effort: a
// miss or an unreachable server yields (nil, nil) so callers degrade
// instead of failing the whole message.
type RedisBalances struct {
	client *redis.Client
}

var _ BalanceProvider = (*RedisBalances)(nil)

// OpenRedisBalances connects and verifies the connection.
func OpenRedisBalances(ctx context.Context, addr string) (*RedisBalances, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisBalances{client: client}, nil
}

// Close releases the client.
func (r *RedisBalances) Close() error { return r.client.Close() }

func balanceKey(wallet string) string { return "balance:" + wallet }

// Balance returns the cached balance, or (nil, nil) when the cache has
// no entry or is unavailable.
func (r *RedisBalances) Balance(ctx context.Context, wallet string) (*Balance, error) {
	raw, err := r.client.Get(ctx, balanceKey(wallet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		// Unavailable provider is an expected condition, not an error
		// the caller can act on.
		return nil, nil
	}

	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode cached balance for %s: %w", wallet, err)
	}
	return &b, nil
}
