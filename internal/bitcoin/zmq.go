package bitcoin

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gompay/pkg/log"
)

// ZMQ topics published by Bitcoin Core. Only hashblock drives payouts; the
// others are recognised so a shared publisher does not produce warnings.
const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
	TopicRawBlock  = "rawblock"
	TopicRawTx     = "rawtx"
)

// pollInterval bounds how long Listen blocks before rechecking its context.
const pollInterval = 250 * time.Millisecond

// Notification is one multipart message from the node: topic, body and an
// optional little-endian sequence number.
type Notification struct {
	Topic       string
	Body        []byte
	Sequence    uint32
	HasSequence bool
}

// ZMQNotifier receives Bitcoin Core notifications on a SUB socket.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a notifier for endpoint. Nothing is received until
// Subscribe and Connect are called.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	if logger == nil {
		logger = log.Nop()
	}
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen receives notifications until ctx is done. Handler errors are
// logged and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(Notification) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		n, ok := parseNotification(msg)
		if !ok {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := handler(n); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", n.Topic)
		}
	}
}

func parseNotification(parts [][]byte) (Notification, bool) {
	if len(parts) < 2 {
		return Notification{}, false
	}
	n := Notification{Topic: string(parts[0]), Body: parts[1]}
	if len(parts) >= 3 && len(parts[2]) == 4 {
		n.Sequence = binary.LittleEndian.Uint32(parts[2])
		n.HasSequence = true
	}
	return n, true
}

func isTimeout(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// WatcherStats counts what a BlockWatcher has seen.
type WatcherStats struct {
	Blocks     uint64
	Duplicates uint64
	Gaps       uint64
	LastHash   string
}

// BlockWatcher turns hashblock notifications into block callbacks. A hash
// repeated back to back is reported once; a jump in the sequence number is
// logged, since a single callback after the gap covers any blocks missed.
type BlockWatcher struct {
	logger  *log.Logger
	onBlock func(blockHash string) error

	mu      sync.Mutex
	lastSeq uint32
	haveSeq bool
	stats   WatcherStats
}

// NewBlockWatcher returns a watcher calling onBlock for every new block.
func NewBlockWatcher(logger *log.Logger, onBlock func(blockHash string) error) *BlockWatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &BlockWatcher{logger: logger.WithComponent("block_watcher"), onBlock: onBlock}
}

// HandleNotification processes one notification. Hashes arrive in internal
// byte order and are reported in display order.
func (w *BlockWatcher) HandleNotification(n Notification) error {
	switch n.Topic {
	case TopicHashBlock:
	case TopicHashTx, TopicRawBlock, TopicRawTx:
		return nil
	default:
		w.logger.Warn("unknown ZMQ topic", "topic", n.Topic)
		return nil
	}

	hash, err := chainhash.NewHash(n.Body)
	if err != nil {
		return fmt.Errorf("invalid block hash length: %d", len(n.Body))
	}
	blockHash := hash.String()

	w.mu.Lock()
	if n.HasSequence {
		if w.haveSeq && n.Sequence != w.lastSeq && n.Sequence != w.lastSeq+1 {
			w.stats.Gaps++
			w.logger.Warn("block notifications missed",
				"expected_sequence", w.lastSeq+1,
				"sequence", n.Sequence,
			)
		}
		w.lastSeq, w.haveSeq = n.Sequence, true
	}
	if blockHash == w.stats.LastHash {
		w.stats.Duplicates++
		w.mu.Unlock()
		return nil
	}
	w.stats.Blocks++
	w.stats.LastHash = blockHash
	w.mu.Unlock()

	if w.onBlock != nil {
		return w.onBlock(blockHash)
	}
	return nil
}

// Stats returns the counters.
func (w *BlockWatcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
