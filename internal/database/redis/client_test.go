package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bardlex/gompay/internal/ledger"
)

func TestParseBalance(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 5, time.UTC)
	fields := map[string]string{
		"balance_satoshis":      "2100000000000000",
		"total_earned_satoshis": "2100000000000001",
		"total_paid_satoshis":   "1",
		"updated_at":            at.Format(time.RFC3339Nano),
	}

	b, err := parseBalance("X", fields)
	if err != nil {
		t.Fatal(err)
	}
	want := ledger.MinerBalance{Address: "X", Balance: 2_100_000_000_000_000, TotalEarned: 2_100_000_000_000_001, TotalPaid: 1, UpdatedAt: at}
	if b != want {
		t.Errorf("parseBalance() = %+v, want %+v", b, want)
	}

	fields["total_paid_satoshis"] = "-1"
	if _, err := parseBalance("X", fields); err == nil {
		t.Error("negative cached amount should fail")
	}
}

func TestKeys(t *testing.T) {
	if balanceKey("bc1q") != "balance:bc1q" || payoutKey("p") != "payout:p" || historyKey("bc1q") != "payouts:bc1q" {
		t.Error("unexpected key layout")
	}
}

// Needs a disposable Redis, e.g. REDIS_TEST_URL=redis://localhost:6379/15
func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	c, err := NewClient(DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := c.rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Balances(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for addr, bal := range map[string]uint64{"a": 10, "b": 30, "c": 20} {
		if err := c.SetBalance(ctx, ledger.MinerBalance{Address: addr, Balance: bal, TotalEarned: bal}); err != nil {
			t.Fatal(err)
		}
	}

	b, ok, err := c.GetBalance(ctx, "b")
	if err != nil || !ok || b.Balance != 30 {
		t.Errorf("GetBalance(b) = %+v, %v, %v", b, ok, err)
	}
	if _, ok, _ := c.GetBalance(ctx, "missing"); ok {
		t.Error("missing balance reported as cached")
	}

	top, err := c.TopBalances(ctx, 2)
	if err != nil || len(top) != 2 || top[0] != "b" || top[1] != "c" {
		t.Errorf("TopBalances() = %v, %v", top, err)
	}
}

func TestClient_Payouts(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	p := ledger.Payout{ID: "p-1", Address: "a", Amount: 5, Status: ledger.StatusPending}
	if err := c.SetPayout(ctx, p, time.Hour); err != nil {
		t.Fatal(err)
	}
	p.Status = ledger.StatusBroadcast
	if err := c.SetPayout(ctx, p, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.GetPayout(ctx, "p-1")
	if err != nil || !ok || got.Status != ledger.StatusBroadcast {
		t.Errorf("GetPayout() = %+v, %v, %v", got, ok, err)
	}
	ids, err := c.PayoutIDs(ctx, "a")
	if err != nil || len(ids) != 1 {
		t.Errorf("PayoutIDs() = %v, %v; updates must not duplicate history", ids, err)
	}

	if err := c.SetStats(ctx, ledger.Stats{TotalMiners: 3}); err != nil {
		t.Fatal(err)
	}
	if stats, err := c.GetStats(ctx); err != nil || stats.TotalMiners != 3 {
		t.Errorf("GetStats() = %+v, %v", stats, err)
	}
}
