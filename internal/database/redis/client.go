// Package redis caches balances, payouts and ledger stats for read-side
// consumers such as the pool API.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gompay/internal/ledger"
)

// Client wraps Redis operations for the payout service
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns pool settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient parses cfg.URL, connects and pings.
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key layout
const (
	balanceLeaderboardKey = "balances"
	statsKey              = "ledger_stats"
	historyLength         = 100
)

func balanceKey(address string) string { return "balance:" + address }
func payoutKey(id string) string       { return "payout:" + id }
func historyKey(address string) string { return "payouts:" + address }

// Balances

// SetBalance stores a miner's balance as a hash and ranks it in the
// balance leaderboard.
func (c *Client) SetBalance(ctx context.Context, b ledger.MinerBalance) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, balanceKey(b.Address), map[string]any{
		"balance_satoshis":      strconv.FormatUint(b.Balance, 10),
		"total_earned_satoshis": strconv.FormatUint(b.TotalEarned, 10),
		"total_paid_satoshis":   strconv.FormatUint(b.TotalPaid, 10),
		"updated_at":            b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, balanceLeaderboardKey, redis.Z{Score: float64(b.Balance), Member: b.Address})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

// GetBalance reads a cached balance. ok is false on a cache miss.
func (c *Client) GetBalance(ctx context.Context, address string) (b ledger.MinerBalance, ok bool, err error) {
	fields, err := c.rdb.HGetAll(ctx, balanceKey(address)).Result()
	if err != nil {
		return ledger.MinerBalance{}, false, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(fields) == 0 {
		return ledger.MinerBalance{}, false, nil
	}
	b, err = parseBalance(address, fields)
	if err != nil {
		return ledger.MinerBalance{}, false, err
	}
	return b, true, nil
}

func parseBalance(address string, fields map[string]string) (ledger.MinerBalance, error) {
	b := ledger.MinerBalance{Address: address}
	for name, dst := range map[string]*uint64{
		"balance_satoshis":      &b.Balance,
		"total_earned_satoshis": &b.TotalEarned,
		"total_paid_satoshis":   &b.TotalPaid,
	} {
		v, err := strconv.ParseUint(fields[name], 10, 64)
		if err != nil {
			return ledger.MinerBalance{}, fmt.Errorf("cached %s of %s: %w", name, address, err)
		}
		*dst = v
	}
	if ts := fields["updated_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return ledger.MinerBalance{}, fmt.Errorf("cached updated_at of %s: %w", address, err)
		}
		b.UpdatedAt = t
	}
	return b, nil
}

// TopBalances returns up to n addresses with the largest balances.
func (c *Client) TopBalances(ctx context.Context, n int64) ([]string, error) {
	addrs, err := c.rdb.ZRevRange(ctx, balanceLeaderboardKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top balances: %w", err)
	}
	return addrs, nil
}

// Payouts

// SetPayout caches a payout and keeps the newest ids in the owner's history
// list.
func (c *Client) SetPayout(ctx context.Context, p ledger.Payout, expiration time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payout: %w", err)
	}

	exists, err := c.rdb.Exists(ctx, payoutKey(p.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check payout: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, payoutKey(p.ID), data, expiration)
	if exists == 0 {
		pipe.LPush(ctx, historyKey(p.Address), p.ID)
		pipe.LTrim(ctx, historyKey(p.Address), 0, historyLength-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set payout: %w", err)
	}
	return nil
}

// GetPayout reads a cached payout. ok is false on a cache miss.
func (c *Client) GetPayout(ctx context.Context, id string) (p ledger.Payout, ok bool, err error) {
	data, err := c.rdb.Get(ctx, payoutKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ledger.Payout{}, false, nil
		}
		return ledger.Payout{}, false, fmt.Errorf("failed to get payout: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ledger.Payout{}, false, fmt.Errorf("failed to unmarshal payout: %w", err)
	}
	return p, true, nil
}

// PayoutIDs returns the cached payout ids of address, newest first.
func (c *Client) PayoutIDs(ctx context.Context, address string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, historyKey(address), 0, historyLength-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get payout ids: %w", err)
	}
	return ids, nil
}

// Stats

// SetStats caches the ledger totals.
func (c *Client) SetStats(ctx context.Context, stats ledger.Stats) error {
	return c.SetCache(ctx, statsKey, stats, 0)
}

// GetStats reads the cached ledger totals.
func (c *Client) GetStats(ctx context.Context) (ledger.Stats, error) {
	var stats ledger.Stats
	err := c.GetCache(ctx, statsKey, &stats)
	return stats, err
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	cacheKey := fmt.Sprintf("cache:%s", key)
	if err := c.rdb.Set(ctx, cacheKey, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	cacheKey := fmt.Sprintf("cache:%s", key)
	jsonData, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("cache miss")
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}
