package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/memoryclient"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/resilience"
)

const defaultSyncQueueSize = 32

// SyncWorkerConfig wires a [SyncWorker]. Memory, Executor and Breaker are
// required. The breaker must be distinct from the turn-path breakers so a
// struggling background sync never degrades live turns.
type SyncWorkerConfig struct {
	// AgentID is the bound agent whose history is appended.
	AgentID string

	// Memory is the memory service client.
	Memory memoryclient.Service

	// Executor and Breaker guard the append calls.
	Executor *resilience.Executor
	Breaker  *resilience.CircuitBreaker

	// QueueSize bounds the pending-turn queue. When full, Enqueue drops the
	// turn rather than blocking the turn loop. Default: 32.
	QueueSize int

	// Metrics records append outcomes. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Log is the session-scoped logger. Defaults to [slog.Default].
	Log *slog.Logger
}

// SyncWorker mirrors completed turns into the memory service's durable
// history without blocking the turn loop. All of its failures are absorbed:
// the user already heard the reply, and the durable store stays consistent
// with what it has acknowledged.
type SyncWorker struct {
	cfg SyncWorkerConfig
	log *slog.Logger

	queue chan Turn
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewSyncWorker creates a SyncWorker. Start it with [SyncWorker.Run].
func NewSyncWorker(cfg SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("orchestrator: sync worker requires a memory client")
	}
	if cfg.Executor == nil || cfg.Breaker == nil {
		return nil, fmt.Errorf("orchestrator: sync worker requires executor and breaker")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultSyncQueueSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &SyncWorker{
		cfg:   cfg,
		log:   cfg.Log,
		queue: make(chan Turn, cfg.QueueSize),
		done:  make(chan struct{}),
	}, nil
}

// Run consumes queued turns until the queue is closed (graceful flush) or ctx
// is cancelled (forced teardown). It never returns an error: sync failures
// are logged and counted, not surfaced.
func (w *SyncWorker) Run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("sync worker cancelled", "pending", len(w.queue))
			return
		case turn, ok := <-w.queue:
			if !ok {
				return
			}
			w.append(ctx, turn)
		}
	}
}

// append performs one durable history append under the worker's own breaker
// and executor. The breaker wraps the whole retried call so one failed append
// counts as one breaker failure.
func (w *SyncWorker) append(ctx context.Context, turn Turn) {
	start := time.Now()
	err := w.cfg.Breaker.Execute(func() error {
		return w.cfg.Executor.Do(ctx, "append", func(ctx context.Context) error {
			return w.cfg.Memory.Append(ctx, w.cfg.AgentID, turn.UserText, turn.AssistantText)
		})
	})
	w.cfg.Metrics.RecordMemoryCall(ctx, "append", time.Since(start).Seconds())
	if err != nil {
		w.cfg.Metrics.RecordSyncAppend(ctx, "error")
		w.log.Warn("background history sync failed",
			"error", err,
			"user_len", len(turn.UserText),
			"assistant_len", len(turn.AssistantText),
		)
		return
	}
	w.cfg.Metrics.RecordSyncAppend(ctx, "ok")
	w.log.Debug("turn synced to durable history", "duration", time.Since(start))
}

// Enqueue hands a completed turn to the worker. It never blocks: when the
// queue is full or the worker is shut down, the turn is dropped and counted.
func (w *SyncWorker) Enqueue(turn Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.cfg.Metrics.RecordSyncAppend(context.Background(), "dropped")
		return
	}
	select {
	case w.queue <- turn:
	default:
		w.cfg.Metrics.RecordSyncAppend(context.Background(), "dropped")
		w.log.Warn("sync queue full, dropping turn")
	}
}

// Close stops accepting new turns and lets Run flush what is already queued.
// Safe to call more than once.
func (w *SyncWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

// Done is closed when Run has returned.
func (w *SyncWorker) Done() <-chan struct{} {
	return w.done
}
