package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/agentcontext"
	"github.com/voxrelay/voxrelay/internal/memoryclient"
	memmock "github.com/voxrelay/voxrelay/internal/memoryclient/mock"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/pkg/provider/llm"
	llmmock "github.com/voxrelay/voxrelay/pkg/provider/llm/mock"
	"github.com/voxrelay/voxrelay/pkg/transport"
	tmock "github.com/voxrelay/voxrelay/pkg/transport/mock"

	"github.com/voxrelay/voxrelay/internal/fastpath"
)

// testRig bundles an orchestrator with all its mocks for inspection.
type testRig struct {
	orch    *Orchestrator
	memory  *memmock.Service
	llm     *llmmock.Provider
	room    *tmock.RoomSession
	memBr   *resilience.CircuitBreaker
	fastBr  *resilience.CircuitBreaker
	spawned []string
	mu      sync.Mutex
}

func (r *testRig) spawn(name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	r.spawned = append(r.spawned, name)
	r.mu.Unlock()
	fn(context.Background())
}

func (r *testRig) spawnedNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.spawned))
	copy(out, r.spawned)
	return out
}

func noRetryExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.ExecutorConfig{
		MaxRetries:        -1,
		PerAttemptTimeout: time.Second,
	})
}

func newRig(t *testing.T, mode Mode) *testRig {
	t.Helper()

	rig := &testRig{
		memory: &memmock.Service{
			Agent:    &memoryclient.Agent{ID: "agent-1", Persona: "You are Ava."},
			AskReply: "The current time is 3:28 PM.",
		},
		llm:  &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hi there!", FinishReason: "stop"}}},
		room: tmock.NewRoomSession("room-1"),
	}
	rig.memBr = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "memory"})
	rig.fastBr = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "fastpath"})

	loader, err := agentcontext.NewLoader(agentcontext.LoaderConfig{
		Service:  rig.memory,
		AgentID:  "agent-1",
		Executor: noRetryExecutor(),
		Breaker:  rig.memBr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("preload: %v", err)
	}

	gen, err := fastpath.NewGenerator(rig.llm, fastpath.GeneratorConfig{})
	if err != nil {
		t.Fatal(err)
	}

	rig.orch, err = New(Config{
		AgentID:        "agent-1",
		Mode:           mode,
		Memory:         rig.memory,
		Generator:      gen,
		Loader:         loader,
		Publisher:      rig.room,
		MemoryExecutor: noRetryExecutor(),
		MemoryBreaker:  rig.memBr,
		FastExecutor:   noRetryExecutor(),
		FastBreaker:    rig.fastBr,
		Validator:      resilience.NewValidator(),
		Spawn:          rig.spawn,
	})
	if err != nil {
		t.Fatal(err)
	}
	return rig
}

func TestHandleUtterance_MemoryPathHappy(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)

	reply, err := rig.orch.HandleUtterance(context.Background(), "What time is it?")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if reply != "The current time is 3:28 PM." {
		t.Errorf("reply = %q", reply)
	}

	// Exactly one probe gated the call, then the ask went through.
	if rig.memory.ProbeCalls != 1 {
		t.Errorf("ProbeCalls = %d, want 1", rig.memory.ProbeCalls)
	}
	asked := rig.memory.Asked()
	if len(asked) != 1 || asked[0].Text != "What time is it?" {
		t.Errorf("Asked = %+v", asked)
	}

	// User transcript published before assistant transcript.
	pub := rig.room.Published()
	if len(pub) != 2 {
		t.Fatalf("published = %d events, want 2", len(pub))
	}
	if pub[0].Role != transport.RoleUser || pub[0].Text != "What time is it?" {
		t.Errorf("first event = %+v, want user transcript", pub[0])
	}
	if pub[1].Role != transport.RoleAssistant || pub[1].Text != reply {
		t.Errorf("second event = %+v, want assistant transcript", pub[1])
	}

	// History recorded and counter advanced.
	hist := rig.orch.History()
	if len(hist) != 1 || hist[0].Path != PathMemory || !hist[0].Validated {
		t.Errorf("history = %+v", hist)
	}
	if rig.orch.TurnCount() != 1 {
		t.Errorf("TurnCount = %d, want 1", rig.orch.TurnCount())
	}
}

func TestHandleUtterance_ProbeFailureYieldsHealthFallback(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)
	rig.memory.ProbeErr = errors.New("connection refused")

	start := time.Now()
	reply, err := rig.orch.HandleUtterance(context.Background(), "hello")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if !strings.Contains(reply, "can't connect to my processing system") {
		t.Errorf("reply = %q, want health-check fallback", reply)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("turn took %v, want prompt fallback", elapsed)
	}

	// No full ask was attempted; the probe failure fed the breaker.
	if len(rig.memory.Asked()) != 0 {
		t.Error("Ask must not run after a failed probe")
	}
	if rig.memBr.ConsecutiveFailures() != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", rig.memBr.ConsecutiveFailures())
	}

	// The fallback is still published as the assistant transcript.
	pub := rig.room.Published()
	if len(pub) != 2 || pub[1].Text != reply {
		t.Errorf("published = %+v", pub)
	}
}

func TestHandleUtterance_BreakerOpensThenFastFails(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)
	rig.memory.AskErr = &memoryclient.Error{Kind: memoryclient.KindServerError, Op: "ask"}

	// Three failing turns trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := rig.orch.HandleUtterance(context.Background(), "hi"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	if rig.memBr.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", rig.memBr.State())
	}
	probesBefore := rig.memory.ProbeCalls

	// While open, the next turn fast-fails without another probe.
	start := time.Now()
	reply, err := rig.orch.HandleUtterance(context.Background(), "hi again")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("open-breaker turn took %v, want fast fail", elapsed)
	}
	if !strings.Contains(reply, "needs a moment to recover") {
		t.Errorf("reply = %q, want breaker-open fallback", reply)
	}
	if rig.memory.ProbeCalls != probesBefore {
		t.Error("open breaker must skip the health probe")
	}
}

// With the production retry schedule a failing utterance makes three attempts,
// but it must count as a single breaker failure: two failing utterances leave
// the breaker closed, the third opens it.
func TestHandleUtterance_RetriedUtteranceCountsOnceAgainstBreaker(t *testing.T) {
	memory := &memmock.Service{
		Agent:  &memoryclient.Agent{ID: "agent-1", Persona: "You are Ava."},
		AskErr: &memoryclient.Error{Kind: memoryclient.KindServerError, Op: "ask"},
	}
	memBr := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "memory"})
	exec := resilience.NewExecutor(resilience.ExecutorConfig{
		MaxRetries:        2,
		PerAttemptTimeout: time.Second,
		Sleep:             func(ctx context.Context, d time.Duration) error { return nil },
	})

	loader, err := agentcontext.NewLoader(agentcontext.LoaderConfig{
		Service:  memory,
		AgentID:  "agent-1",
		Executor: noRetryExecutor(),
		Breaker:  memBr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("preload: %v", err)
	}

	orch, err := New(Config{
		AgentID:        "agent-1",
		Mode:           ModeMemoryOnly,
		Memory:         memory,
		Loader:         loader,
		Publisher:      tmock.NewRoomSession("room-1"),
		MemoryExecutor: exec,
		MemoryBreaker:  memBr,
		Validator:      resilience.NewValidator(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// The first two failing utterances each exhaust their three attempts but
	// count as one breaker failure apiece, so both still reach the service.
	for i := 1; i <= 2; i++ {
		if _, err := orch.HandleUtterance(context.Background(), "hi"); err != nil {
			t.Fatalf("utterance %d: %v", i, err)
		}
		if got := len(memory.Asked()); got != i*3 {
			t.Fatalf("after utterance %d: Ask attempts = %d, want %d", i, got, i*3)
		}
		if got := memBr.ConsecutiveFailures(); got != i {
			t.Fatalf("after utterance %d: ConsecutiveFailures = %d, want %d", i, got, i)
		}
		if memBr.State() != resilience.StateClosed {
			t.Fatalf("after utterance %d: breaker state = %v, want closed", i, memBr.State())
		}
	}

	// The third failing utterance trips the threshold.
	if _, err := orch.HandleUtterance(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if memBr.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open after third failed utterance", memBr.State())
	}
	if got := len(memory.Asked()); got != 9 {
		t.Fatalf("Ask attempts = %d, want 9", got)
	}

	// While open the next turn fast-fails: no probe, no further attempts.
	probesBefore := memory.ProbeCalls
	reply, err := orch.HandleUtterance(context.Background(), "hi again")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "needs a moment to recover") {
		t.Errorf("reply = %q, want breaker-open fallback", reply)
	}
	if memory.ProbeCalls != probesBefore {
		t.Error("open breaker must skip the health probe")
	}
	if got := len(memory.Asked()); got != 9 {
		t.Errorf("Ask attempts = %d, want 9 (no attempts while open)", got)
	}
}

func TestHandleUtterance_WhitespaceReplyValidationFallback(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)
	rig.memory.AskReply = "   "

	reply, err := rig.orch.HandleUtterance(context.Background(), "ping")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if reply != "I didn't generate a response. Could you rephrase that?" {
		t.Errorf("reply = %q, want validation fallback", reply)
	}

	hist := rig.orch.History()
	if len(hist) != 1 || hist[0].Validated {
		t.Errorf("history = %+v, want one unvalidated turn", hist)
	}
	// The fallback text is what gets recorded for durable sync.
	if hist[0].AssistantText != reply {
		t.Errorf("AssistantText = %q, want the fallback", hist[0].AssistantText)
	}
}

func TestHandleUtterance_FastPathPreferredInHybrid(t *testing.T) {
	rig := newRig(t, ModeHybrid)

	reply, err := rig.orch.HandleUtterance(context.Background(), "hello")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if reply != "Hi there!" {
		t.Errorf("reply = %q, want fast-path reply", reply)
	}
	if len(rig.memory.Asked()) != 0 {
		t.Error("memory path must not run when the fast path succeeds")
	}
	if rig.memory.ProbeCalls != 0 {
		t.Error("no memory probe expected on the fast path")
	}

	hist := rig.orch.History()
	if len(hist) != 1 || hist[0].Path != PathFast {
		t.Errorf("history = %+v, want one fast-path turn", hist)
	}

	// The generator received the composed system prompt and the utterance.
	calls := rig.llm.StreamCalls
	if len(calls) != 1 || !strings.HasPrefix(calls[0].Req.SystemPrompt, "You are Ava.") {
		t.Errorf("stream calls = %+v", calls)
	}
}

func TestHandleUtterance_FastPathFailureFallsThroughToMemory(t *testing.T) {
	rig := newRig(t, ModeHybrid)
	rig.llm.StreamErr = errors.New("provider unavailable")

	reply, err := rig.orch.HandleUtterance(context.Background(), "hello")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if reply != "The current time is 3:28 PM." {
		t.Errorf("reply = %q, want memory-path reply", reply)
	}
	if len(rig.memory.Asked()) != 1 {
		t.Error("memory path should have handled the turn")
	}
	hist := rig.orch.History()
	if len(hist) != 1 || hist[0].Path != PathMemory {
		t.Errorf("history = %+v, want memory-path turn", hist)
	}
}

func TestHandleUtterance_OpenFastBreakerSkipsFastPath(t *testing.T) {
	rig := newRig(t, ModeHybrid)
	rig.llm.StreamErr = errors.New("provider unavailable")

	// Trip the fast breaker.
	for i := 0; i < 3; i++ {
		if _, err := rig.orch.HandleUtterance(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if rig.fastBr.State() != resilience.StateOpen {
		t.Fatalf("fast breaker state = %v, want open", rig.fastBr.State())
	}
	llmCallsBefore := len(rig.llm.StreamCalls)

	if _, err := rig.orch.HandleUtterance(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if len(rig.llm.StreamCalls) != llmCallsBefore {
		t.Error("fast path must be skipped while its breaker is open")
	}
}

func TestHandleUtterance_PeriodicRefresh(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)

	agentCallsBefore := 1 // the preload
	for i := 0; i < 6; i++ {
		if _, err := rig.orch.HandleUtterance(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}

	// One refresh at turn counter 5 (the sixth utterance), none at turn 0.
	names := rig.spawnedNames()
	if len(names) != 1 || names[0] != "context-refresh" {
		t.Errorf("spawned = %v, want exactly one context-refresh", names)
	}
	if got := rig.memory.AgentCalls; got != agentCallsBefore+1 {
		t.Errorf("AgentCalls = %d, want %d", got, agentCallsBefore+1)
	}
}

func TestReset_ClearsInProcessStateOnly(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)

	if _, err := rig.orch.HandleUtterance(context.Background(), "Remember that my favorite color is blue."); err != nil {
		t.Fatal(err)
	}
	if len(rig.orch.History()) != 1 {
		t.Fatal("expected one turn in history")
	}

	rig.orch.Reset()
	if len(rig.orch.History()) != 0 || rig.orch.TurnCount() != 0 {
		t.Error("Reset must clear history and turn counter")
	}
	// Durable memory is untouched: the recorded ask is still there.
	if len(rig.memory.Asked()) != 1 {
		t.Error("Reset must not touch the memory service")
	}
}

func TestHistoryWindow_EvictsOldest(t *testing.T) {
	rig := newRig(t, ModeMemoryOnly)

	for i := 0; i < 13; i++ {
		if _, err := rig.orch.HandleUtterance(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(rig.orch.History()); got != defaultHistoryWindow {
		t.Errorf("history length = %d, want %d", got, defaultHistoryWindow)
	}
	if rig.orch.TurnCount() != 13 {
		t.Errorf("TurnCount = %d, want 13", rig.orch.TurnCount())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config should fail")
	}
	if _, err := New(Config{
		Memory:         &memmock.Service{},
		Publisher:      tmock.NewRoomSession("r"),
		MemoryExecutor: noRetryExecutor(),
		MemoryBreaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		Validator:      resilience.NewValidator(),
	}); err == nil {
		t.Error("New without loader should fail")
	}
}
