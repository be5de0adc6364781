// Package main implements payoutd, the payout ledger service.
// It credits block rewards to miners, pays balances out through the node
// wallet and tracks confirmations until each payout is final.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gompay/internal/bitcoin"
	"github.com/bardlex/gompay/internal/config"
	"github.com/bardlex/gompay/internal/database"
	"github.com/bardlex/gompay/internal/database/influx"
	"github.com/bardlex/gompay/internal/database/postgres"
	"github.com/bardlex/gompay/internal/database/redis"
	"github.com/bardlex/gompay/internal/engine"
	"github.com/bardlex/gompay/internal/gateway"
	"github.com/bardlex/gompay/internal/messaging"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/internal/store"
	"github.com/bardlex/gompay/internal/validation"
	"github.com/bardlex/gompay/pkg/errors"
	"github.com/bardlex/gompay/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting payoutd",
		"version", cfg.Version,
		"network", cfg.BitcoinNetwork,
		"data_dir", cfg.DataDir,
		"bitcoin_host", cfg.BitcoinRPCHost,
		"bitcoin_port", cfg.BitcoinRPCPort,
	)

	// Create Bitcoin client
	bitcoinClient, err := bitcoin.NewRPCClient(
		cfg.BitcoinRPCHost,
		cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser,
		cfg.BitcoinRPCPassword,
		cfg.BitcoinNetwork,
	)
	if err != nil {
		logger.WithError(err).Error("failed to create Bitcoin RPC client")
		os.Exit(1)
	}
	defer bitcoinClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := bitcoinClient.Ping(pingCtx); err != nil {
		logger.WithError(err).Error("failed to connect to Bitcoin Core")
		os.Exit(1)
	}
	logger.Info("connected to Bitcoin Core")

	db, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to databases")
		os.Exit(1)
	}

	var kafkaClient *messaging.KafkaClient
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	}

	service, err := NewPayoutService(cfg, logger, bitcoinClient, db, kafkaClient)
	if err != nil {
		logger.WithError(err).Error("failed to start payout service")
		_ = db.Close()
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	failed := make(chan error, 1)
	go func() {
		if err := service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			failed <- err
		}
	}()

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-failed:
		logger.WithError(err).Error("payout service failed")
		exitCode = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		exitCode = 1
	}

	logger.Info("payoutd stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// databaseConfig enables each sink whose URL is set.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

// maxShareTimeSkew is how far in the future a share timestamp may be before
// it is left out of a window.
const maxShareTimeSkew = 2 * time.Hour

// PayoutService runs the payout engine and its event sources.
type PayoutService struct {
	cfg    *config.Config
	logger *log.Logger
	engine *engine.Engine
	params *chaincfg.Params

	// Optional collaborators; nil when disabled
	db       *database.Manager
	kafka    *messaging.KafkaClient
	notifier bitcoin.ZMQInterface

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewPayoutService builds the engine over wallet and loads the stored
// ledger. db and kafkaClient may be nil.
func NewPayoutService(cfg *config.Config, logger *log.Logger, wallet bitcoin.WalletRPC, db *database.Manager, kafkaClient *messaging.KafkaClient) (*PayoutService, error) {
	params, err := bitcoin.NetParams(cfg.BitcoinNetwork)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(wallet, gateway.Config{
		FeeEstimateSats: cfg.Payout.TxFeeEstimateSats,
		ChangeAddress:   cfg.Payout.ChangeAddress,
		Params:          params,
	}, logger)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	var observers []engine.Observer
	if kafkaClient != nil {
		observers = append(observers, messaging.NewEventPublisher(kafkaClient, cfg.KafkaEventEncoding, logger))
	}
	if db != nil {
		observers = append(observers, db)
	}

	eng, err := engine.New(cfg.Payout, st, gw,
		engine.WithLogger(logger),
		engine.WithObservers(observers...),
	)
	if err != nil {
		return nil, err
	}
	if err := eng.Load(); err != nil {
		return nil, err
	}

	return &PayoutService{
		cfg:    cfg,
		logger: logger.WithComponent("payoutd"),
		engine: eng,
		params: params,
		db:     db,
		kafka:  kafkaClient,
		done:   make(chan struct{}),
	}, nil
}

// Start runs the background loops and blocks until ctx is done, Shutdown is
// called, or a loop fails with an error the service cannot continue past.
func (s *PayoutService) Start(ctx context.Context) error {
	s.logger.Info("payout service starting",
		"auto_payouts", s.cfg.Payout.AutoPayoutEnabled,
		"refund_policy", string(s.cfg.Payout.RefundPolicy),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	failed := make(chan error, 4)

	s.run(runCtx, failed, "confirmations", s.engine.RunConfirmations)
	s.run(runCtx, failed, "auto_payouts", s.engine.RunAutoPayouts)

	if s.db != nil {
		s.db.StartPeriodicTasks(runCtx, s.engine)
	}

	s.startRewardConsumer(runCtx, failed)

	if s.cfg.BitcoinZMQAddr != "" {
		if err := s.startNotifier(runCtx); err != nil {
			// Polling still refreshes confirmations.
			s.logger.WithError(err).Warn("block notifications unavailable, relying on polling")
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	case err := <-failed:
		return err
	}
}

// run starts fn in the service's wait group. A failure other than
// cancellation is reported on failed.
func (s *PayoutService) run(ctx context.Context, failed chan<- error, name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		s.logger.WithError(err).Error("background loop stopped", "loop", name)
		select {
		case failed <- err:
		default:
		}
	}()
}

// startRewardConsumer credits block rewards published on Kafka. It needs
// the PostgreSQL share window.
func (s *PayoutService) startRewardConsumer(ctx context.Context, failed chan<- error) {
	if s.kafka == nil {
		return
	}
	var source pplns.ShareSource
	if s.db != nil {
		source = s.db.ShareSource()
	}
	if source == nil {
		s.logger.Warn("no share source configured, block rewards will not be consumed",
			"topic", messaging.TopicBlockRewards)
		return
	}

	screen := validation.NewShareValidator(1, 0, maxShareTimeSkew, s.params, nil)
	source = validation.NewScreenedSource(source, screen, s.logger)

	handler := messaging.NewRewardHandler(s.engine, source, s.logger)
	s.run(ctx, failed, "block_rewards", func(ctx context.Context) error {
		return s.kafka.StartConsumer(ctx, messaging.TopicBlockRewards, s.cfg.KafkaGroupID, handler)
	})
}

// startNotifier refreshes confirmations as soon as the node connects a block.
func (s *PayoutService) startNotifier(ctx context.Context) error {
	notifier, err := bitcoin.NewZMQNotifier(s.cfg.BitcoinZMQAddr, s.logger)
	if err != nil {
		return err
	}
	if err := notifier.Subscribe(bitcoin.TopicHashBlock); err != nil {
		_ = notifier.Close()
		return err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return err
	}
	s.mu.Lock()
	s.notifier = notifier
	s.mu.Unlock()

	watcher := bitcoin.NewBlockWatcher(s.logger, s.onBlock)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := notifier.Listen(ctx, watcher.HandleNotification); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("block notifications stopped, relying on polling")
		}
	}()

	s.logger.Info("listening for block notifications", "endpoint", s.cfg.BitcoinZMQAddr)
	return nil
}

func (s *PayoutService) onBlock(blockHash string) error {
	s.logger.LogBlockConnected(blockHash)
	s.engine.TriggerRefresh()
	return nil
}

// Shutdown stops the loops, saves the ledger and closes every client. Only
// the first call does any work.
func (s *PayoutService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown(ctx) })
	return s.stopErr
}

func (s *PayoutService) shutdown(ctx context.Context) error {
	s.logger.Info("shutting down payout service")
	close(s.done)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("background loops did not stop in time")
	}

	var errs []error
	if err := s.engine.Save(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	notifier := s.notifier
	s.mu.Unlock()
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("zmq close error: %w", err))
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close error: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
