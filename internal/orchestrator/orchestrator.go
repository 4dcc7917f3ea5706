// Package orchestrator turns one finalized user utterance into exactly one
// spoken assistant reply. It owns path selection (fast LLM path vs. memory
// service path), reliability wrapping, response validation, fallback
// synthesis, transcript publication and background history sync.
//
// The orchestrator is strictly sequential: one in-flight turn per session.
// The session controller feeds it finalized transcripts in STT order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/agentcontext"
	"github.com/voxrelay/voxrelay/internal/fastpath"
	"github.com/voxrelay/voxrelay/internal/memoryclient"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/pkg/provider/llm"
	"github.com/voxrelay/voxrelay/pkg/transport"
)

// Path identifies which route produced the assistant reply.
type Path string

const (
	PathFast     Path = "fast"
	PathMemory   Path = "memory"
	PathFallback Path = "fallback"
)

// Mode selects how turns are routed.
type Mode string

const (
	// ModeHybrid prefers the fast LLM path and falls back to the memory path.
	ModeHybrid Mode = "hybrid"

	// ModeMemoryOnly disables the fast path; every turn goes through the
	// memory service so tools keep working. This is the default.
	ModeMemoryOnly Mode = "memory-only"
)

// IsValid reports whether the mode is one of the known values.
func (m Mode) IsValid() bool {
	return m == ModeHybrid || m == ModeMemoryOnly
}

// Turn is one completed (user, assistant) exchange.
type Turn struct {
	UserText      string
	AssistantText string
	StartedAt     time.Time
	FinishedAt    time.Time
	Path          Path
	Validated     bool
}

const (
	defaultHistoryWindow = 10
	defaultRefreshEvery  = 5
)

// Config wires an [Orchestrator]. Memory, Loader, Publisher, the memory-side
// executor/breaker and Validator are required; fast-path fields may be nil
// when the mode is [ModeMemoryOnly].
type Config struct {
	// AgentID is the bound agent.
	AgentID string

	// Mode selects hybrid or memory-only routing. Default: memory-only.
	Mode Mode

	// HistoryWindow bounds the in-process history in turns. Default: 10.
	HistoryWindow int

	// RefreshEveryTurns triggers an async context reload every N user turns.
	// Default: 5.
	RefreshEveryTurns int

	// Memory is the memory service client.
	Memory memoryclient.Service

	// Generator is the fast-path LLM generator. Required for ModeHybrid.
	Generator *fastpath.Generator

	// Loader supplies the current agent context snapshot.
	Loader *agentcontext.Loader

	// Publisher receives user and assistant transcript events.
	Publisher transport.Publisher

	// MemoryExecutor and MemoryBreaker guard memory-path calls.
	MemoryExecutor *resilience.Executor
	MemoryBreaker  *resilience.CircuitBreaker

	// FastExecutor and FastBreaker guard fast-path calls. Required for
	// ModeHybrid.
	FastExecutor *resilience.Executor
	FastBreaker  *resilience.CircuitBreaker

	// Validator rejects unusable replies and supplies fallback sentences.
	Validator *resilience.Validator

	// Sync receives completed turns for background history append. Optional.
	Sync *SyncWorker

	// Spawn schedules a background task owned by the session (context reload).
	// When nil, reloads run synchronously on the turn goroutine.
	Spawn func(name string, fn func(ctx context.Context))

	// Metrics records turn outcomes. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Log is the session-scoped logger. Defaults to [slog.Default].
	Log *slog.Logger

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Orchestrator executes the per-utterance state machine. All exported methods
// are safe for concurrent use; HandleUtterance serializes internally so there
// is a single in-flight turn at a time.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	history     []Turn
	turnCounter int
}

// New creates an Orchestrator and validates the required wiring.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("orchestrator: Memory is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("orchestrator: Loader is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("orchestrator: Publisher is required")
	}
	if cfg.MemoryExecutor == nil || cfg.MemoryBreaker == nil {
		return nil, fmt.Errorf("orchestrator: memory executor and breaker are required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("orchestrator: Validator is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeMemoryOnly
	}
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("orchestrator: invalid mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeHybrid && (cfg.Generator == nil || cfg.FastExecutor == nil || cfg.FastBreaker == nil) {
		return nil, fmt.Errorf("orchestrator: hybrid mode requires generator, fast executor and fast breaker")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.RefreshEveryTurns <= 0 {
		cfg.RefreshEveryTurns = defaultRefreshEvery
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, log: cfg.Log, now: cfg.Now}, nil
}

// HandleUtterance runs one full turn for a finalized user transcript and
// returns the assistant text to hand to the TTS collaborator. The returned
// text is always speakable: terminal failures yield a validated fallback
// sentence, never an error and never silence.
//
// The only error cases are context cancellation and transcript publication
// failure — both mean the session itself is going away.
func (o *Orchestrator) HandleUtterance(ctx context.Context, userText string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	started := o.now()

	// The user transcript goes out before any generation work so the room
	// sees it even when the reply is slow or degraded.
	if err := o.cfg.Publisher.Publish(ctx, transport.TranscriptEvent{
		Role:      transport.RoleUser,
		Text:      userText,
		Timestamp: started,
	}); err != nil {
		return "", fmt.Errorf("orchestrator: publish user transcript: %w", err)
	}

	// Periodic context reload, asynchronous so it never adds turn latency.
	// Turn zero is skipped: the controller preloaded the snapshot moments ago.
	if o.turnCounter > 0 && o.turnCounter%o.cfg.RefreshEveryTurns == 0 {
		o.scheduleRefresh()
	}

	reply, path, validated := o.generate(ctx, userText)

	finished := o.now()
	if err := o.cfg.Publisher.Publish(ctx, transport.TranscriptEvent{
		Role:      transport.RoleAssistant,
		Text:      reply,
		Timestamp: finished,
	}); err != nil {
		return "", fmt.Errorf("orchestrator: publish assistant transcript: %w", err)
	}

	turn := Turn{
		UserText:      userText,
		AssistantText: reply,
		StartedAt:     started,
		FinishedAt:    finished,
		Path:          path,
		Validated:     validated,
	}
	o.recordTurn(turn)
	o.turnCounter++

	if o.cfg.Sync != nil {
		o.cfg.Sync.Enqueue(turn)
	}

	status := "ok"
	if !validated {
		status = "fallback"
	}
	o.cfg.Metrics.RecordTurn(ctx, string(path), status, finished.Sub(started).Seconds())

	o.log.Info("turn completed",
		"path", path,
		"validated", validated,
		"duration", finished.Sub(started),
		"turn", o.turnCounter,
	)
	return reply, nil
}

// generate runs path selection and reliability handling. It returns the
// speakable reply, the path that produced it, and whether it passed
// validation (false means a fallback sentence was substituted).
func (o *Orchestrator) generate(ctx context.Context, userText string) (string, Path, bool) {
	if o.fastPathEligible() {
		reply, err := o.tryFastPath(ctx, userText)
		if err == nil {
			verr := o.cfg.Validator.Validate(reply)
			if verr == nil {
				return reply, PathFast, true
			}
			return o.fallback(ctx, resilience.FallbackFor(verr)), PathFast, false
		}
		o.log.Warn("fast path failed, falling back to memory path", "error", err)
	}

	reply, err := o.tryMemoryPath(ctx, userText)
	if err != nil {
		return o.fallback(ctx, reasonFor(err)), PathFallback, false
	}
	if verr := o.cfg.Validator.Validate(reply); verr != nil {
		return o.fallback(ctx, resilience.FallbackFor(verr)), PathMemory, false
	}
	return reply, PathMemory, true
}

// fastPathEligible reports whether this turn may try the fast path: hybrid
// mode and a fast breaker that is not sitting in open with an active cooldown.
func (o *Orchestrator) fastPathEligible() bool {
	if o.cfg.Mode != ModeHybrid || o.cfg.Generator == nil {
		return false
	}
	return o.cfg.FastBreaker.State() != resilience.StateOpen
}

// tryFastPath runs the generator under the fast breaker and executor. The
// breaker wraps the whole retried call: one failed turn counts as one breaker
// failure no matter how many attempts it took. When the breaker is half-open
// the single admitted call doubles as the recovery probe; its outcome closes
// or re-opens the breaker.
func (o *Orchestrator) tryFastPath(ctx context.Context, userText string) (string, error) {
	systemPrompt := o.systemPrompt()
	history := o.historyMessages()

	var text string
	err := o.cfg.FastBreaker.Execute(func() error {
		var gerr error
		text, gerr = resilience.DoWithResult(ctx, o.cfg.FastExecutor, "fastpath",
			func(ctx context.Context) (string, error) {
				return o.cfg.Generator.Generate(ctx, systemPrompt, history, userText)
			})
		return gerr
	})
	return text, err
}

// tryMemoryPath probes the memory service, then runs the full tool-capable
// turn under the memory executor and breaker.
func (o *Orchestrator) tryMemoryPath(ctx context.Context, userText string) (string, error) {
	// Fast-fail without probing while the breaker cooldown is running; the
	// user hears the breaker fallback within milliseconds, not after a probe
	// timeout.
	if o.cfg.MemoryBreaker.State() == resilience.StateOpen {
		return "", resilience.ErrCircuitOpen
	}

	probeStart := time.Now()
	perr := o.cfg.Memory.Probe(ctx)
	o.cfg.Metrics.RecordMemoryCall(ctx, "probe", time.Since(probeStart).Seconds())
	if perr != nil {
		o.cfg.MemoryBreaker.RecordFailure()
		o.log.Warn("memory service probe failed", "error", perr)
		return "", fmt.Errorf("probe: %w", errProbeFailed)
	}

	// The breaker wraps the whole retried call: one failed turn counts as one
	// breaker failure no matter how many attempts it took.
	var text string
	askStart := time.Now()
	err := o.cfg.MemoryBreaker.Execute(func() error {
		var aerr error
		text, aerr = resilience.DoWithResult(ctx, o.cfg.MemoryExecutor, "ask",
			func(ctx context.Context) (string, error) {
				return o.cfg.Memory.Ask(ctx, o.cfg.AgentID, userText)
			})
		return aerr
	})
	o.cfg.Metrics.RecordMemoryCall(ctx, "ask", time.Since(askStart).Seconds())
	return text, err
}

// errProbeFailed marks a failed pre-call health probe so fallback selection
// can name the right reason.
var errProbeFailed = errors.New("memory service health probe failed")

// reasonFor maps a terminal memory-path error to its fallback reason.
func reasonFor(err error) resilience.FallbackReason {
	if errors.Is(err, errProbeFailed) {
		return resilience.FallbackHealthCheck
	}
	return resilience.FallbackFor(err)
}

// fallback produces the deterministic sentence for reason and records it.
func (o *Orchestrator) fallback(ctx context.Context, reason resilience.FallbackReason) string {
	o.cfg.Metrics.RecordFallback(ctx, reason.String())
	o.log.Warn("synthesizing fallback reply", "reason", reason.String())
	return o.cfg.Validator.Fallback(reason)
}

// scheduleRefresh starts an async agent-context reload via the session's task
// spawner, or inline when none is configured.
func (o *Orchestrator) scheduleRefresh() {
	refresh := func(ctx context.Context) {
		o.cfg.Loader.Refresh(ctx)
	}
	if o.cfg.Spawn != nil {
		o.cfg.Spawn("context-refresh", refresh)
		return
	}
	refresh(context.Background())
}

// systemPrompt returns the composed prompt from the current snapshot, or the
// empty string before the first successful load.
func (o *Orchestrator) systemPrompt() string {
	if snap := o.cfg.Loader.Current(); snap != nil {
		return snap.SystemPrompt
	}
	return ""
}

// historyMessages converts the bounded turn history into interleaved
// user/assistant messages for the fast path.
func (o *Orchestrator) historyMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(o.history)*2)
	for _, t := range o.history {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.UserText},
			llm.Message{Role: "assistant", Content: t.AssistantText},
		)
	}
	return msgs
}

// recordTurn appends to the bounded history, evicting the oldest turn.
// Must be called with o.mu held.
func (o *Orchestrator) recordTurn(t Turn) {
	o.history = append(o.history, t)
	if len(o.history) > o.cfg.HistoryWindow {
		o.history = o.history[len(o.history)-o.cfg.HistoryWindow:]
	}
}

// History returns a snapshot of the bounded turn history.
func (o *Orchestrator) History() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.history))
	copy(out, o.history)
	return out
}

// TurnCount returns the number of completed turns.
func (o *Orchestrator) TurnCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnCounter
}

// Reset clears the in-process conversational state: history and turn counter.
// Durable memory is untouched. Used by the reset-on-reconnect path.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = nil
	o.turnCounter = 0
}
