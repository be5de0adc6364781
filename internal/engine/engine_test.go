package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/internal/store"
	payErrors "github.com/bardlex/gompay/pkg/errors"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore keeps the last saved snapshot.
type memStore struct {
	mu    sync.Mutex
	snap  ledger.Snapshot
	saves int
	fail  error
}

func (m *memStore) Save(snap ledger.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saves++
	m.snap = snap
	return nil
}

func (m *memStore) Load() (ledger.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// fakeGateway returns a txid per send unless failFor names the address.
// With signedOnFail a failed send still reports the signed txid.
type fakeGateway struct {
	mu           sync.Mutex
	sends        int
	failFor      map[string]error
	signedOnFail bool
	statuses     map[string]bitcoin.TxStatus
	statusErr    error
	block        chan struct{}
	checked      chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failFor: map[string]error{}, statuses: map[string]bitcoin.TxStatus{}}
}

func (g *fakeGateway) Send(_ context.Context, address string, _ uint64) (string, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends++
	txid := fmt.Sprintf("%064x", g.sends)
	if err := g.failFor[address]; err != nil {
		if g.signedOnFail {
			return txid, err
		}
		return "", err
	}
	return txid, nil
}

func (g *fakeGateway) Status(_ context.Context, txid string) (bitcoin.TxStatus, error) {
	g.mu.Lock()
	s, ok := g.statuses[txid]
	err := g.statusErr
	checked := g.checked
	g.mu.Unlock()

	if checked != nil {
		select {
		case checked <- txid:
		default:
		}
	}
	if err != nil {
		return bitcoin.TxStatus{}, err
	}
	if !ok {
		return bitcoin.TxStatus{TxID: txid}, nil
	}
	s.TxID = txid
	return s, nil
}

func (g *fakeGateway) setStatus(txid string, s bitcoin.TxStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[txid] = s
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends
}

// recorder collects observed event kinds.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	engine  *Engine
	store   *memStore
	gateway *fakeGateway
	events  *recorder
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, mutate func(*config.PayoutConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultPayoutConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		store:   &memStore{},
		gateway: newFakeGateway(),
		events:  &recorder{},
		clock:   clockwork.NewFakeClockAt(epoch),
	}
	e, err := New(cfg, f.store, f.gateway, WithClock(f.clock), WithObservers(f.events))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.engine = e
	return f
}

// checkConservation asserts balance = earned - reserved for every miner.
func checkConservation(t *testing.T, e *Engine) {
	t.Helper()
	reserved := map[string]uint64{}
	for _, p := range e.GetAllPayouts() {
		if p.Status.Reserved() || (p.Status == ledger.StatusFailed && !p.Refunded()) {
			reserved[p.Address] += p.Amount
		}
	}
	for _, b := range e.GetAllBalances() {
		if b.Balance != b.TotalEarned-reserved[b.Address] {
			t.Fatalf("%s: balance %d != earned %d - reserved %d", b.Address, b.Balance, b.TotalEarned, reserved[b.Address])
		}
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.PayoutConfig)
	}{
		{"fee above 100%", func(c *config.PayoutConfig) { c.PoolFeeBps = 10001 }},
		{"fee plus donation above 100%", func(c *config.PayoutConfig) { c.PoolFeeBps = 6000; c.DonationBps = 5000 }},
		{"zero confirmations", func(c *config.PayoutConfig) { c.RequiredConfirmations = 0 }},
		{"unordered thresholds", func(c *config.PayoutConfig) { c.ManualPayoutSats = c.MinPayoutSats + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultPayoutConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, &memStore{}, newFakeGateway())
			if !payErrors.IsType(err, payErrors.ErrorTypeValidation) {
				t.Errorf("New() error = %v, want validation error", err)
			}
		})
	}

	if _, err := New(config.DefaultPayoutConfig(), nil, newFakeGateway()); err == nil {
		t.Error("New() without store should fail")
	}
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e := f.engine

	if _, err := e.AddEarnings(ctx, "miner", 5_000_000, 850_000); err != nil {
		t.Fatal(err)
	}
	p, err := e.CreatePayout(ctx, "miner", 2_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != ledger.StatusPending {
		t.Errorf("status = %s", p.Status)
	}

	p, err = e.BroadcastPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("BroadcastPayout() error = %v", err)
	}
	if p.Status != ledger.StatusBroadcast || p.TxID == nil || p.BroadcastAt == nil {
		t.Fatalf("after broadcast: %+v", p)
	}

	p, err = e.ConfirmPayout(ctx, p.ID, *p.TxID, 850_010, 3)
	if err != nil || p.Status != ledger.StatusBroadcast || p.Confirmations != 3 {
		t.Fatalf("below threshold: %+v, %v", p, err)
	}

	for range 3 {
		p, err = e.ConfirmPayout(ctx, p.ID, *p.TxID, 850_010, 6)
		if err != nil || p.Status != ledger.StatusConfirmed {
			t.Fatalf("confirm: %+v, %v", p, err)
		}
	}

	b, _ := e.GetBalance("miner")
	if b.Balance != 3_000_000 || b.TotalEarned != 5_000_000 || b.TotalPaid != 2_000_000 {
		t.Errorf("balance = %+v", b)
	}

	stats := e.GetStats()
	if stats.TotalPaid != 2_000_000 || stats.ConfirmedCount != 1 || stats.PendingCount != 0 || stats.TotalBalance != 3_000_000 {
		t.Errorf("stats = %+v", stats)
	}

	want := []EventKind{EventEarningsCredited, EventPayoutCreated, EventPayoutBroadcast,
		EventConfirmationsUpdated, EventPayoutConfirmed}
	got := f.events.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	// Repeated confirmations are not saved again.
	if f.store.saveCount() != 5 {
		t.Errorf("saves = %d, want 5", f.store.saveCount())
	}
	checkConservation(t, e)
}

func TestCreatePayout_InsufficientBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.CreatePayout(ctx, "nobody", 1)
	if !errors.Is(err, payErrors.ErrInsufficientBalance) {
		t.Errorf("unknown miner: %v", err)
	}

	_, _ = f.engine.AddEarnings(ctx, "miner", 1000, 1)
	_, err = f.engine.CreatePayout(ctx, "miner", 1001)
	if !errors.Is(err, payErrors.ErrInsufficientBalance) {
		t.Errorf("over balance: %v", err)
	}
	b, _ := f.engine.GetBalance("miner")
	if b.Balance != 1000 {
		t.Errorf("balance changed on failure: %d", b.Balance)
	}
	if f.store.saveCount() != 1 {
		t.Errorf("failed create must not save, saves = %d", f.store.saveCount())
	}
}

func TestBroadcastFailure_RefundPolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      config.RefundPolicy
		wantBalance uint64
		wantEvents  []EventKind
	}{
		{"manual", config.RefundManual, 0, []EventKind{EventPayoutFailed}},
		{"auto", config.RefundAuto, 2_000_000, []EventKind{EventPayoutFailed, EventPayoutRefunded}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.PayoutConfig) { c.RefundPolicy = tt.policy })
			ctx := context.Background()
			f.gateway.failFor["miner"] = payErrors.ErrNoSpendableOutputs

			_, _ = f.engine.AddEarnings(ctx, "miner", 2_000_000, 1)
			p, _ := f.engine.CreatePayout(ctx, "miner", 2_000_000)

			p, err := f.engine.BroadcastPayout(ctx, p.ID)
			if !errors.Is(err, payErrors.ErrNoSpendableOutputs) {
				t.Fatalf("BroadcastPayout() error = %v", err)
			}
			if p.Status != ledger.StatusFailed || p.Error == nil {
				t.Errorf("payout = %+v", p)
			}

			b, _ := f.engine.GetBalance("miner")
			if b.Balance != tt.wantBalance {
				t.Errorf("balance = %d, want %d", b.Balance, tt.wantBalance)
			}

			kinds := f.events.kinds()
			tail := kinds[len(kinds)-len(tt.wantEvents):]
			if fmt.Sprint(tail) != fmt.Sprint(tt.wantEvents) {
				t.Errorf("events = %v, want suffix %v", kinds, tt.wantEvents)
			}

			if _, err := f.engine.BroadcastPayout(ctx, p.ID); !errors.Is(err, payErrors.ErrInvalidTransition) {
				t.Errorf("rebroadcast of Failed: %v", err)
			}
			checkConservation(t, f.engine)
		})
	}
}

func TestBroadcastFailure_AutoRefundOnlyWhenRejected(t *testing.T) {
	rejected := payErrors.Permanent(fmt.Errorf("%w: txn-mempool-conflict", payErrors.ErrBroadcastRejected),
		payErrors.ErrorTypeGateway, "send_raw_transaction", "rejected")
	uncertain := payErrors.Permanent(fmt.Errorf("%w: %w: i/o timeout", payErrors.ErrBroadcastRejected, payErrors.ErrBroadcastUncertain),
		payErrors.ErrorTypeGateway, "send_raw_transaction", "uncertain")

	tests := []struct {
		name         string
		sendErr      error
		wantRefunded bool
		wantBalance  uint64
	}{
		{"explicit rejection", rejected, true, 2_000_000},
		{"retryable send error", uncertain, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.PayoutConfig) { c.RefundPolicy = config.RefundAuto })
			ctx := context.Background()
			f.gateway.failFor["miner"] = tt.sendErr
			f.gateway.signedOnFail = true

			_, _ = f.engine.AddEarnings(ctx, "miner", 2_000_000, 1)
			p, _ := f.engine.CreatePayout(ctx, "miner", 2_000_000)

			p, err := f.engine.BroadcastPayout(ctx, p.ID)
			if !errors.Is(err, payErrors.ErrBroadcastRejected) {
				t.Fatalf("BroadcastPayout() error = %v", err)
			}
			if p.Status != ledger.StatusFailed {
				t.Errorf("status = %s, want Failed", p.Status)
			}
			if p.TxIDOrEmpty() == "" {
				t.Error("signed txid not recorded on failed payout")
			}
			if p.Refunded() != tt.wantRefunded {
				t.Errorf("refunded = %v, want %v", p.Refunded(), tt.wantRefunded)
			}

			b, _ := f.engine.GetBalance("miner")
			if b.Balance != tt.wantBalance {
				t.Errorf("balance = %d, want %d", b.Balance, tt.wantBalance)
			}
			if !tt.wantRefunded {
				for _, k := range f.events.kinds() {
					if k == EventPayoutRefunded {
						t.Error("uncertain broadcast emitted a refund event")
					}
				}
			}
			checkConservation(t, f.engine)
		})
	}
}

func TestRefundPayout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gateway.failFor["miner"] = payErrors.ErrSigningIncomplete

	_, _ = f.engine.AddEarnings(ctx, "miner", 1_500_000, 1)
	p, _ := f.engine.CreatePayout(ctx, "miner", 1_500_000)
	_, _ = f.engine.BroadcastPayout(ctx, p.ID)

	p, err := f.engine.RefundPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("RefundPayout() error = %v", err)
	}
	if !p.Refunded() {
		t.Error("payout not marked refunded")
	}
	if _, err := f.engine.RefundPayout(ctx, p.ID); !errors.Is(err, payErrors.ErrAlreadyRefunded) {
		t.Errorf("second refund: %v", err)
	}

	b, _ := f.engine.GetBalance("miner")
	if b.Balance != 1_500_000 {
		t.Errorf("balance = %d after refund", b.Balance)
	}
	checkConservation(t, f.engine)
}

func TestConcurrentBroadcastSendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _ = f.engine.AddEarnings(ctx, "miner", 1_000_000, 1)
	p, _ := f.engine.CreatePayout(ctx, "miner", 1_000_000)

	f.gateway.block = make(chan struct{})
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.BroadcastPayout(ctx, p.ID); errors.Is(err, payErrors.ErrInvalidTransition) {
				rejected.Add(1)
			}
		}()
	}
	// Give the losers time to be turned away before the winner finishes.
	time.Sleep(50 * time.Millisecond)
	close(f.gateway.block)
	wg.Wait()

	if f.gateway.sendCount() != 1 {
		t.Errorf("gateway sends = %d, want 1", f.gateway.sendCount())
	}
	if rejected.Load() != 7 {
		t.Errorf("rejected = %d, want 7", rejected.Load())
	}
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.store.fail = errors.New("disk full")

	b, err := f.engine.AddEarnings(ctx, "miner", 1000, 1)
	if !errors.Is(err, payErrors.ErrPersistenceFailure) {
		t.Fatalf("AddEarnings() error = %v, want persistence failure", err)
	}
	if payErrors.IsRetryable(err) {
		t.Error("persistence failure must not be retryable")
	}
	if b.Balance != 1000 {
		t.Errorf("in-memory balance = %d, want 1000", b.Balance)
	}
	if len(f.events.kinds()) != 0 {
		t.Error("observers must not see unsaved changes")
	}
}

func exampleShares() []pplns.Share {
	return []pplns.Share{
		{Address: "X", Worker: "rig-1", Difficulty: 1000, Timestamp: epoch.Add(-4 * time.Minute)},
		{Address: "X", Worker: "rig-2", Difficulty: 2000, Timestamp: epoch.Add(-3 * time.Minute)},
		{Address: "Y", Difficulty: 1500, Timestamp: epoch.Add(-2 * time.Minute)},
		{Address: "Z", Worker: "z", Difficulty: 500, Timestamp: epoch.Add(-time.Minute)},
	}
}

func TestDistributeBlockReward(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d, err := f.engine.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_000)
	if err != nil {
		t.Fatalf("DistributeBlockReward() error = %v", err)
	}
	if d.Distributed != 99_000_000 || d.Miners != 3 || d.Audit == nil || !d.Audit.Valid {
		t.Errorf("distribution = %+v", d)
	}

	want := map[string]uint64{"X": 59_400_000, "Y": 29_700_000, "Z": 9_900_000}
	for addr, amount := range want {
		b, ok := f.engine.GetBalance(addr)
		if !ok || b.Balance != amount || b.TotalEarned != amount {
			t.Errorf("%s: %+v, want %d", addr, b, amount)
		}
	}
	if f.store.saveCount() != 1 {
		t.Errorf("saves = %d, want a single save per distribution", f.store.saveCount())
	}

	kinds := f.events.kinds()
	if len(kinds) != 4 || kinds[3] != EventRewardDistributed {
		t.Errorf("events = %v", kinds)
	}
}

func TestDistributeBlockReward_Undefined(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		shares []pplns.Share
	}{
		{"empty window", nil},
		{"zero difficulty", []pplns.Share{{Address: "X", Difficulty: 0, Timestamp: epoch}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.DistributeBlockReward(ctx, tt.shares, 100_000_000, 1)
			if !errors.Is(err, payErrors.ErrCalculationUndefined) {
				t.Errorf("error = %v, want calculation undefined", err)
			}
		})
	}
	if f.store.saveCount() != 0 || len(f.engine.GetAllBalances()) != 0 {
		t.Error("nothing should be credited")
	}
}

func TestDistributeBlockReward_FeeRoundingExcess(t *testing.T) {
	for _, audit := range []bool{true, false} {
		t.Run(fmt.Sprintf("audit=%v", audit), func(t *testing.T) {
			f := newFixture(t, func(c *config.PayoutConfig) { c.AuditDistributions = audit })
			shares := []pplns.Share{
				{Address: "a", Difficulty: 4096, Timestamp: epoch.Add(-2 * time.Minute)},
				{Address: "b", Difficulty: 4096, Timestamp: epoch.Add(-time.Minute)},
			}

			d, err := f.engine.DistributeBlockReward(context.Background(), shares, 312_500_198, 850_000)
			if err != nil {
				t.Fatalf("DistributeBlockReward() error = %v", err)
			}
			if d.Distributed != 309_375_198 || d.Miners != 2 {
				t.Errorf("distribution = %+v", d)
			}
			for _, addr := range []string{"a", "b"} {
				if b, _ := f.engine.GetBalance(addr); b.Balance != 154_687_599 {
					t.Errorf("%s balance = %d", addr, b.Balance)
				}
			}
			if audit && (d.Audit == nil || d.Audit.Excess != 1 || !d.Audit.WithinRoundingSlack()) {
				t.Errorf("audit = %+v", d.Audit)
			}
		})
	}
}

func TestDistributeBlockReward_RepeatedBlock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_000); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_000)
	if !errors.Is(err, payErrors.ErrAlreadyDistributed) {
		t.Fatalf("repeat error = %v, want already distributed", err)
	}
	if b, _ := f.engine.GetBalance("X"); b.TotalEarned != 59_400_000 {
		t.Errorf("X earned %d after repeat", b.TotalEarned)
	}
	if f.store.saveCount() != 1 {
		t.Errorf("saves = %d", f.store.saveCount())
	}

	// The distributed height survives a restart.
	restarted, err := New(config.DefaultPayoutConfig(), f.store, f.gateway, WithClock(f.clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := restarted.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := restarted.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_000); !errors.Is(err, payErrors.ErrAlreadyDistributed) {
		t.Errorf("repeat after restart error = %v", err)
	}
	if _, err := restarted.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_001); err != nil {
		t.Errorf("next block error = %v", err)
	}
}

func TestDistributeBlockReward_UndefinedDoesNotClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.DistributeBlockReward(ctx, nil, 100_000_000, 850_000); !errors.Is(err, payErrors.ErrCalculationUndefined) {
		t.Fatalf("error = %v", err)
	}
	if _, err := f.engine.DistributeBlockReward(ctx, exampleShares(), 100_000_000, 850_000); err != nil {
		t.Errorf("block with a window after an empty one: %v", err)
	}
}

func TestDistributeFromSource(t *testing.T) {
	f := newFixture(t, nil)
	shares := append(exampleShares(), pplns.Share{Address: "old", Difficulty: 1_000_000, Timestamp: epoch.Add(-8 * 24 * time.Hour)})

	d, err := f.engine.DistributeFromSource(context.Background(), pplns.NewStaticSource(shares), 100_000_000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if d.Miners != 3 {
		t.Errorf("miners = %d, shares outside the window must be ignored", d.Miners)
	}
	if _, ok := f.engine.GetBalance("old"); ok {
		t.Error("miner outside the window was credited")
	}
}

func TestProcessAutoPayouts(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		_, _ = f.engine.AddEarnings(context.Background(), "miner", 5_000_000, 1)
		report, err := f.engine.ProcessAutoPayouts(context.Background())
		if err != nil || report.Created != 0 || f.gateway.sendCount() != 0 {
			t.Errorf("disabled run: %+v, %v", report, err)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.PayoutConfig) { c.AutoPayoutEnabled = true })
		ctx := context.Background()
		_, _ = f.engine.AddEarnings(ctx, "a", 2_000_000, 1)
		_, _ = f.engine.AddEarnings(ctx, "b", 1_000_000, 1)
		_, _ = f.engine.AddEarnings(ctx, "c", 999_999, 1)
		f.gateway.failFor["b"] = payErrors.ErrDustAmount

		if got := len(f.engine.GetPendingPayouts()); got != 2 {
			t.Fatalf("eligible = %d, want 2", got)
		}

		report, err := f.engine.ProcessAutoPayouts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if report.Eligible != 2 || report.Created != 2 || report.Broadcast != 1 || report.Failed != 1 || report.TotalAmount != 2_000_000 {
			t.Errorf("report = %+v", report)
		}

		a, _ := f.engine.GetBalance("a")
		c, _ := f.engine.GetBalance("c")
		if a.Balance != 0 || c.Balance != 999_999 {
			t.Errorf("balances a=%d c=%d", a.Balance, c.Balance)
		}
		if got := len(f.engine.GetPendingPayoutRecords()); got != 1 {
			t.Errorf("pending records = %d, want 1", got)
		}
		checkConservation(t, f.engine)
	})
}

func TestRefreshConfirmations(t *testing.T) {
	f := newFixture(t, func(c *config.PayoutConfig) { c.RefundPolicy = config.RefundAuto })
	ctx := context.Background()

	ids := map[string]string{}
	for _, addr := range []string{"confirmed", "waiting", "conflicted"} {
		_, _ = f.engine.AddEarnings(ctx, addr, 1_000_000, 1)
		p, _ := f.engine.CreatePayout(ctx, addr, 1_000_000)
		p, err := f.engine.BroadcastPayout(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		ids[addr] = p.ID
		switch addr {
		case "confirmed":
			f.gateway.setStatus(*p.TxID, bitcoin.TxStatus{Confirmations: 6, BlockHeight: 850_000})
		case "waiting":
			f.gateway.setStatus(*p.TxID, bitcoin.TxStatus{Confirmations: 2, BlockHeight: 850_004})
		case "conflicted":
			f.gateway.setStatus(*p.TxID, bitcoin.TxStatus{Conflicted: true})
		}
	}

	report, err := f.engine.RefreshConfirmations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 3 || report.Confirmed != 1 || report.Updated != 1 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}

	if p, _ := f.engine.GetPayout(ids["confirmed"]); p.Status != ledger.StatusConfirmed || *p.BlockHeight != 850_000 {
		t.Errorf("confirmed payout = %+v", p)
	}
	if p, _ := f.engine.GetPayout(ids["waiting"]); p.Status != ledger.StatusBroadcast || p.Confirmations != 2 {
		t.Errorf("waiting payout = %+v", p)
	}
	if p, _ := f.engine.GetPayout(ids["conflicted"]); p.Status != ledger.StatusFailed || !p.Refunded() {
		t.Errorf("conflicted payout = %+v", p)
	}
	checkConservation(t, f.engine)

	// A second pass only sees the waiting payout.
	report, _ = f.engine.RefreshConfirmations(ctx)
	if report.Checked != 1 || report.Updated != 0 {
		t.Errorf("second report = %+v", report)
	}
}

func TestRefreshConfirmations_GatewayErrorContinues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _ = f.engine.AddEarnings(ctx, "miner", 1_000_000, 1)
	p, _ := f.engine.CreatePayout(ctx, "miner", 1_000_000)
	_, _ = f.engine.BroadcastPayout(ctx, p.ID)

	f.gateway.statusErr = errors.New("connection refused")
	report, err := f.engine.RefreshConfirmations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Errors != 1 || report.Checked != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestRunConfirmations_Trigger(t *testing.T) {
	f := newFixture(t, func(c *config.PayoutConfig) { c.ConfirmationPollInterval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = f.engine.AddEarnings(ctx, "miner", 1_000_000, 1)
	p, _ := f.engine.CreatePayout(ctx, "miner", 1_000_000)
	p, _ = f.engine.BroadcastPayout(ctx, p.ID)
	f.gateway.checked = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- f.engine.RunConfirmations(ctx) }()

	f.engine.TriggerRefresh()
	select {
	case txid := <-f.gateway.checked:
		if txid != *p.TxID {
			t.Errorf("checked %s, want %s", txid, *p.TxID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not run a refresh")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunConfirmations() = %v", err)
	}
}

func TestRunAutoPayouts_Ticks(t *testing.T) {
	f := newFixture(t, func(c *config.PayoutConfig) {
		c.AutoPayoutEnabled = true
		c.AutoPayoutInterval = time.Hour
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = f.engine.AddEarnings(ctx, "miner", 3_000_000, 1)

	done := make(chan error, 1)
	go func() { done <- f.engine.RunAutoPayouts(ctx) }()

	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Hour)

	for f.gateway.sendCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("auto payout did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if b, _ := f.engine.GetBalance("miner"); b.Balance != 0 {
		t.Errorf("balance = %d after auto payout", b.Balance)
	}
}

func TestRunAutoPayouts_DisabledReturns(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.RunAutoPayouts(context.Background()); err != nil {
		t.Errorf("RunAutoPayouts() = %v", err)
	}
}

func TestLoadSave_FileStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := store.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultPayoutConfig()
	ctx := context.Background()

	e1, err := New(cfg, fs, newFakeGateway(), WithClock(clockwork.NewFakeClockAt(epoch)))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = e1.AddEarnings(ctx, "miner", 4_000_000, 1)
	p, _ := e1.CreatePayout(ctx, "miner", 1_000_000)
	_, _ = e1.BroadcastPayout(ctx, p.ID)

	e2, err := New(cfg, fs, newFakeGateway())
	if err != nil {
		t.Fatal(err)
	}
	if err := e2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if fmt.Sprint(e2.GetAllBalances()) != fmt.Sprint(e1.GetAllBalances()) {
		t.Errorf("balances differ after reload:\n%v\n%v", e1.GetAllBalances(), e2.GetAllBalances())
	}
	got, ok := e2.GetPayout(p.ID)
	if !ok || got.Status != ledger.StatusBroadcast {
		t.Errorf("payout after reload = %+v", got)
	}
	if err := e2.Save(); err != nil {
		t.Fatal(err)
	}
}

func TestGetPayoutHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, _ = f.engine.AddEarnings(ctx, "miner", 10_000_000, 1)
	var ids []string
	for range 3 {
		p, _ := f.engine.CreatePayout(ctx, "miner", 1_000_000)
		ids = append(ids, p.ID)
		f.clock.Advance(time.Minute)
	}

	h := f.engine.GetPayoutHistory("miner", 2)
	if len(h) != 2 || h[0].ID != ids[2] || h[1].ID != ids[1] {
		t.Errorf("history = %v", h)
	}
	if len(f.engine.GetPayoutHistory("other", 10)) != 0 {
		t.Error("history of unknown miner should be empty")
	}
}
