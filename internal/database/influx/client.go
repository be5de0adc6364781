// Package influx writes payout and earnings time series to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/pkg/log"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient connects, checks health and starts logging asynchronous write
// errors.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithComponent("influx").WithError(err).Warn("metric write failed")
		}
	}()

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Payout metrics. Amounts are written as integers so sums stay exact.

// WriteEarnings records a credit to a miner.
func (c *Client) WriteEarnings(address string, amount, balance uint64, blockHeight int64, at time.Time) {
	tags := map[string]string{
		"address": address,
	}

	fields := map[string]interface{}{
		"amount_satoshis":  amount,
		"balance_satoshis": balance,
		"block_height":     blockHeight,
	}

	c.writeAPI.WritePoint(write.NewPoint("earnings", tags, fields, at))
}

// WritePayout records a payout state change.
func (c *Client) WritePayout(event string, p ledger.Payout, at time.Time) {
	tags := map[string]string{
		"address": p.Address,
		"status":  string(p.Status),
		"event":   event,
	}

	fields := map[string]interface{}{
		"amount_satoshis": p.Amount,
		"confirmations":   int64(p.Confirmations),
		"count":           1,
	}
	if p.BlockHeight != nil {
		fields["block_height"] = *p.BlockHeight
	}

	c.writeAPI.WritePoint(write.NewPoint("payouts", tags, fields, at))
}

// WriteDistribution records a block reward split.
func (c *Client) WriteDistribution(blockHeight int64, reward, distributed uint64, miners int, at time.Time) {
	fields := map[string]interface{}{
		"block_height":         blockHeight,
		"reward_satoshis":      reward,
		"distributed_satoshis": distributed,
		"retained_satoshis":    reward - distributed,
		"miners":               int64(miners),
	}

	c.writeAPI.WritePoint(write.NewPoint("distributions", map[string]string{}, fields, at))
}

// WriteLedgerStats records the ledger totals.
func (c *Client) WriteLedgerStats(stats ledger.Stats, at time.Time) {
	fields := map[string]interface{}{
		"total_miners":            int64(stats.TotalMiners),
		"total_balance_satoshis":  stats.TotalBalance,
		"total_paid_satoshis":     stats.TotalPaid,
		"pending_amount_satoshis": stats.PendingAmount,
		"confirmed_count":         int64(stats.ConfirmedCount),
		"pending_count":           int64(stats.PendingCount),
		"failed_count":            int64(stats.FailedCount),
	}

	c.writeAPI.WritePoint(write.NewPoint("ledger_stats", map[string]string{}, fields, at))
}

// Query methods

// GetPaidTotal sums the amounts of payouts confirmed within duration.
func (c *Client) GetPaidTotal(ctx context.Context, duration time.Duration) (uint64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "payouts")
		|> filter(fn: (r) => r.event == "payout_confirmed")
		|> filter(fn: (r) => r._field == "amount_satoshis")
		|> group()
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query paid total: %w", err)
	}
	defer func() { _ = result.Close() }()

	var total uint64
	if result.Next() {
		switch v := result.Record().Value().(type) {
		case uint64:
			total = v
		case int64:
			if v > 0 {
				total = uint64(v)
			}
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return total, nil
}
