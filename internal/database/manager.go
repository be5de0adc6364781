// Package database fans payout events out to PostgreSQL, Redis and InfluxDB
// and exposes the PostgreSQL share window.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/database/influx"
	"github.com/bardlex/gompay/internal/database/postgres"
	"github.com/bardlex/gompay/internal/database/redis"
	"github.com/bardlex/gompay/internal/engine"
	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/circuit"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
	"github.com/bardlex/gompay/pkg/retry"
)

// Mirror keeps a relational copy of the ledger.
type Mirror interface {
	UpsertBalance(ctx context.Context, b ledger.MinerBalance) error
	UpsertPayout(ctx context.Context, p ledger.Payout) error
	RecordDistribution(ctx context.Context, d postgres.Distribution) error
}

// Cache serves balances and payouts to readers.
type Cache interface {
	SetBalance(ctx context.Context, b ledger.MinerBalance) error
	SetPayout(ctx context.Context, p ledger.Payout, expiration time.Duration) error
	SetStats(ctx context.Context, stats ledger.Stats) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
}

// Metrics receives time series points. Writes are asynchronous.
type Metrics interface {
	WriteEarnings(address string, amount, balance uint64, blockHeight int64, at time.Time)
	WritePayout(event string, p ledger.Payout, at time.Time)
	WriteDistribution(blockHeight int64, reward, distributed uint64, miners int, at time.Time)
	WriteLedgerStats(stats ledger.Stats, at time.Time)
	Flush()
}

// StatsProvider reports ledger totals.
type StatsProvider interface {
	GetStats() ledger.Stats
}

// payoutCacheTTL bounds how long a terminal payout stays cached.
const payoutCacheTTL = 30 * 24 * time.Hour

// Manager coordinates the optional sinks. Any of them may be disabled.
//
// Events reach the Manager after the ledger has released its locks, so two
// events for the same miner or payout can arrive in either order. The sinks
// are eventually consistent views, never a source of truth. The PostgreSQL
// mirror drops writes older than the stored row (balances by updated_at,
// payouts by lifecycle stage). The Redis cache keeps the last write it saw
// and is corrected by the next event for that key.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Shares  *postgres.ShareRepository
	Payouts *postgres.PayoutRepository

	mirror  Mirror
	cache   Cache
	metrics Metrics

	logger *log.Logger
	clock  clockwork.Clock

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ engine.Observer = (*Manager)(nil)

// Config holds configuration for all database systems. A nil entry
// disables that system.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to every configured system. If one fails, the ones
// already opened are closed.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(nil, nil, nil, logger, nil)

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		m.Postgres = pgClient

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pgClient.EnsureSchema(ctx); err != nil {
			return nil, m.abort(err)
		}

		m.Shares = postgres.NewShareRepository(pgClient.DB())
		m.Payouts = postgres.NewPayoutRepository(pgClient.DB())
		m.mirror = m.Payouts
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
		m.cache = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
		m.metrics = influxClient
	}

	m.logger.Info("database sinks ready",
		"postgres", m.Postgres != nil,
		"redis", m.Redis != nil,
		"influx", m.Influx != nil,
	)
	return m, nil
}

func newManager(mirror Mirror, cache Cache, metrics Metrics, logger *log.Logger, clock clockwork.Clock) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cbConfig := &circuit.Config{
		Name:            "database",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		Clock:           clock,
	}
	return &Manager{
		mirror:         mirror,
		cache:          cache,
		metrics:        metrics,
		logger:         logger.WithComponent("database"),
		clock:          clock,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}
}

// abort closes what NewManager opened and returns err with any close
// failures attached.
func (m *Manager) abort(err error) error {
	closeErr := m.Close()
	se, ok := err.(*errors.ServiceError)
	if !ok {
		se = errors.Wrap(err, errors.ErrorTypeDatabase, "database_setup", "failed to set up databases")
	}
	if closeErr != nil {
		return se.WithContext("cleanup_errors", closeErr.Error())
	}
	return se
}

// ShareSource returns the PostgreSQL share window, or nil when PostgreSQL
// is disabled.
func (m *Manager) ShareSource() pplns.ShareSource {
	if m.Shares == nil {
		return nil
	}
	return m.Shares
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all enabled connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Observe implements engine.Observer. The PostgreSQL mirror is written with
// retries and its failure is returned; Redis and InfluxDB are best effort.
func (m *Manager) Observe(ctx context.Context, ev engine.Event) error {
	at := ev.At
	if at.IsZero() {
		at = m.clock.Now().UTC()
	}

	var mirrorErr error
	if m.mirror != nil {
		mirrorErr = m.circuitBreaker.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func() error {
				return m.mirrorEvent(ctx, ev, at)
			})
		})
	}

	if m.cache != nil {
		if err := m.cacheEvent(ctx, ev); err != nil {
			m.logger.WithError(err).Warn("failed to update cache (non-critical)", "event", string(ev.Kind))
		}
	}

	if m.metrics != nil {
		m.recordEvent(ev, at)
	}

	if mirrorErr != nil {
		return errors.Wrap(mirrorErr, errors.ErrorTypeDatabase, "mirror_event",
			"failed to mirror event to PostgreSQL").
			WithContext("event", string(ev.Kind))
	}
	return nil
}

func (m *Manager) mirrorEvent(ctx context.Context, ev engine.Event, at time.Time) error {
	if ev.Balance != nil {
		if err := m.mirror.UpsertBalance(ctx, *ev.Balance); err != nil {
			return err
		}
	}
	if ev.Payout != nil {
		if err := m.mirror.UpsertPayout(ctx, *ev.Payout); err != nil {
			return err
		}
	}
	if d := ev.Distribution; d != nil {
		return m.mirror.RecordDistribution(ctx, postgres.Distribution{
			BlockHeight:  d.BlockHeight,
			Reward:       d.Reward,
			Distributed:  d.Distributed,
			Miners:       d.Miners,
			Calculations: d.Calculations,
			At:           at,
		})
	}
	return nil
}

func (m *Manager) cacheEvent(ctx context.Context, ev engine.Event) error {
	if ev.Balance != nil {
		if err := m.cache.SetBalance(ctx, *ev.Balance); err != nil {
			return err
		}
	}
	if ev.Payout != nil {
		ttl := time.Duration(0)
		if ev.Payout.Status.IsTerminal() {
			ttl = payoutCacheTTL
		}
		if err := m.cache.SetPayout(ctx, *ev.Payout, ttl); err != nil {
			return err
		}
	}
	_, err := m.cache.IncrementCounter(ctx, "events:"+string(ev.Kind), 0)
	return err
}

func (m *Manager) recordEvent(ev engine.Event, at time.Time) {
	switch {
	case ev.Kind == engine.EventEarningsCredited && ev.Balance != nil:
		m.metrics.WriteEarnings(ev.Address, ev.Amount, ev.Balance.Balance, ev.BlockHeight, at)
	case ev.Distribution != nil:
		d := ev.Distribution
		m.metrics.WriteDistribution(d.BlockHeight, d.Reward, d.Distributed, d.Miners, at)
	case ev.Payout != nil:
		m.metrics.WritePayout(string(ev.Kind), *ev.Payout, at)
	}
}

// RecordStats writes the ledger totals to the cache and metrics sinks.
func (m *Manager) RecordStats(ctx context.Context, stats ledger.Stats) {
	if m.metrics != nil {
		m.metrics.WriteLedgerStats(stats, m.clock.Now().UTC())
	}
	if m.cache != nil {
		if err := m.cache.SetStats(ctx, stats); err != nil {
			m.logger.WithError(err).Warn("failed to cache ledger stats (non-critical)")
		}
	}
}

// StartPeriodicTasks flushes metrics every 10 seconds and records ledger
// stats every minute until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, stats StatsProvider) {
	if m.metrics != nil {
		go func() {
			ticker := m.clock.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					m.metrics.Flush()
				}
			}
		}()
	}

	go func() {
		ticker := m.clock.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.RecordStats(ctx, stats.GetStats())
			}
		}
	}()
}
