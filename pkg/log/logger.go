// Package log provides structured logging utilities for the payout services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	// RequestIDKey carries a request identifier through a context.
	RequestIDKey contextKey = "request_id"
	// PayoutIDKey carries the payout being processed through a context.
	PayoutIDKey contextKey = "payout_id"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Tests use it to capture output.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext returns a logger with request and payout ids taken from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if payoutID := ctx.Value(PayoutIDKey); payoutID != nil {
		logger = logger.With("payout_id", payoutID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(address string) *Logger {
	return l.WithFields("miner_address", address)
}

// WithPayout returns a logger with payout-specific fields
func (l *Logger) WithPayout(payoutID, address string, amount uint64) *Logger {
	return l.WithFields("payout_id", payoutID, "miner_address", address, "amount_satoshis", amount)
}

// WithBlock returns a logger with block-specific fields
func (l *Logger) WithBlock(blockHash string, blockHeight int64) *Logger {
	return l.WithFields("block_hash", blockHash, "block_height", blockHeight)
}

// WithError returns a logger with error context. Errors implementing
// slog.LogValuer are logged as a group of fields.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	if lv, ok := err.(slog.LogValuer); ok {
		return l.WithFields("error", lv)
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// Payout-specific logging helpers

// LogEarnings logs a credit to a miner balance
func (l *Logger) LogEarnings(address string, amount, balance uint64) {
	l.Info("earnings credited",
		"miner_address", address,
		"amount_satoshis", amount,
		"balance_satoshis", balance,
	)
}

// LogPayoutTransition logs a payout lifecycle change
func (l *Logger) LogPayoutTransition(payoutID, from, to string, txid string) {
	l.Info("payout transition",
		"payout_id", payoutID,
		"from", from,
		"to", to,
		"txid", txid,
	)
}

// LogDistribution logs the outcome of splitting a block reward
func (l *Logger) LogDistribution(blockHeight int64, reward, distributed uint64, miners int) {
	l.Info("reward distributed",
		"block_height", blockHeight,
		"reward_satoshis", reward,
		"distributed_satoshis", distributed,
		"miner_count", miners,
	)
}

// LogBlockConnected logs a new chain tip announcement
func (l *Logger) LogBlockConnected(blockHash string) {
	l.Debug("block connected", "block_hash", blockHash)
}
