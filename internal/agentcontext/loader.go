// Package agentcontext loads and caches the conversational context of the
// bound agent: persona, ordered memory blocks, and the composed system prompt.
//
// A [Snapshot] is immutable once published. The [Loader] swaps snapshots in
// atomically, so a turn that started with a stale snapshot keeps using it for
// the remainder of that turn — readers never observe a half-updated context.
package agentcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxrelay/voxrelay/internal/memoryclient"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/resilience"
)

// minimalPrompt is used when the agent has neither a persona nor memory
// blocks. The snapshot must always carry a usable system prompt.
const minimalPrompt = "You are a helpful voice assistant. Keep your replies short and conversational."

// Snapshot is the immutable persona + memory-blocks + composed-prompt bundle
// cached per session. A refresh produces a new Snapshot; fields are never
// mutated after publication.
type Snapshot struct {
	// AgentID is the bound agent's opaque identifier.
	AgentID string

	// Persona is the agent's persona text. May be empty.
	Persona string

	// Blocks are the memory blocks in the order the service returned them.
	Blocks []memoryclient.Block

	// SystemPrompt is the composed prompt: persona first, then each block in
	// order, prefixed by its label. Never empty.
	SystemPrompt string

	// LoadedAt is when this snapshot was fetched.
	LoadedAt time.Time
}

// ComposePrompt builds the system prompt from persona and blocks. The order is
// fixed: persona text, then each block in service order, each prefixed by its
// label. When everything is empty a minimal fallback prompt is returned.
func ComposePrompt(persona string, blocks []memoryclient.Block) string {
	var b strings.Builder

	if p := strings.TrimSpace(persona); p != "" {
		b.WriteString(p)
	}
	for _, blk := range blocks {
		v := strings.TrimSpace(blk.Value)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[" + blk.Label + "]\n")
		b.WriteString(v)
	}

	if b.Len() == 0 {
		return minimalPrompt
	}
	return b.String()
}

// LoaderConfig holds the dependencies of a [Loader].
type LoaderConfig struct {
	// Service is the memory service client.
	Service memoryclient.Service

	// AgentID is the bound agent to load.
	AgentID string

	// Executor wraps the fetch with retries and per-attempt timeouts.
	Executor *resilience.Executor

	// Breaker guards the fetch. Shares the session's memory-path breaker so
	// context loads and turns see the same dependency health.
	Breaker *resilience.CircuitBreaker

	// Metrics records fetch latency. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Loader fetches the agent's context and publishes it as an immutable
// [Snapshot]. Safe for concurrent use: Current may be called from the turn
// loop while a refresh is in flight.
type Loader struct {
	service memoryclient.Service
	agentID string
	exec    *resilience.Executor
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time

	current    atomic.Pointer[Snapshot]
	refreshing atomic.Bool
}

// NewLoader creates a [Loader]. Service, AgentID, Executor and Breaker are
// required.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("agentcontext: Service is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agentcontext: AgentID is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("agentcontext: Executor is required")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("agentcontext: Breaker is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loader{
		service: cfg.Service,
		agentID: cfg.AgentID,
		exec:    cfg.Executor,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// Load fetches the agent's context under the breaker and retry executor,
// composes the system prompt, and publishes the resulting snapshot. The
// breaker wraps the whole retried fetch so one failed load counts as one
// breaker failure.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	var agent *memoryclient.Agent
	err := l.breaker.Execute(func() error {
		var ierr error
		agent, ierr = resilience.DoWithResult(ctx, l.exec, "get_agent",
			func(ctx context.Context) (*memoryclient.Agent, error) {
				return l.service.GetAgent(ctx, l.agentID)
			})
		return ierr
	})
	l.metrics.RecordMemoryCall(ctx, "get_agent", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("agentcontext: load %q: %w", l.agentID, err)
	}

	snap := &Snapshot{
		AgentID:      l.agentID,
		Persona:      agent.Persona,
		Blocks:       agent.Blocks,
		SystemPrompt: ComposePrompt(agent.Persona, agent.Blocks),
		LoadedAt:     l.now(),
	}
	l.current.Store(snap)

	slog.Debug("agent context loaded",
		"agent_id", l.agentID,
		"blocks", len(agent.Blocks),
		"persona_len", len(agent.Persona),
	)
	return snap, nil
}

// Current returns the most recently published snapshot, or nil if Load has
// never succeeded.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Refresh reloads the context if no other refresh is in flight. The current
// snapshot stays published until the new one replaces it atomically; a failed
// refresh leaves the old snapshot in place. Returns false when skipped
// because a refresh was already running.
func (l *Loader) Refresh(ctx context.Context) bool {
	if !l.refreshing.CompareAndSwap(false, true) {
		return false
	}
	defer l.refreshing.Store(false)

	if _, err := l.Load(ctx); err != nil {
		slog.Warn("agent context refresh failed, keeping previous snapshot",
			"agent_id", l.agentID, "error", err)
	}
	return true
}

// Clear drops the published snapshot. Used by the reset-on-reconnect path so
// the next session start performs a fresh load.
func (l *Loader) Clear() {
	l.current.Store(nil)
}
