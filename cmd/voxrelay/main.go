// Command voxrelay is the voice agent orchestration server. It binds to one
// primary agent, accepts room-serving jobs through the dispatch endpoint, and
// runs one session controller per claimed room.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxrelay/voxrelay/internal/agentcontext"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/dispatch"
	"github.com/voxrelay/voxrelay/internal/fastpath"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/memoryclient"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/orchestrator"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/resilience"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/pkg/provider/llm"
	"github.com/voxrelay/voxrelay/pkg/provider/llm/anyllm"
	"github.com/voxrelay/voxrelay/pkg/provider/llm/openai"
	"github.com/voxrelay/voxrelay/pkg/transport/wsroom"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"agent", cfg.Agent.PrimaryName,
		"mode", cfg.Session.Mode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	metricsHandler, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Memory service client ─────────────────────────────────────────────────
	memory, err := memoryclient.New(cfg.Memory.BaseURL,
		memoryclient.WithProbeTimeout(cfg.Memory.ProbeTimeout()),
	)
	if err != nil {
		slog.Error("failed to create memory client", "err", err)
		return 1
	}

	// ── Fast-path provider (hybrid mode only) ─────────────────────────────────
	provider, err := buildLLMProvider(cfg)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	if provider != nil {
		slog.Info("fast-path provider created", "name", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	srv := &server{
		cfg:      cfg,
		memory:   memory,
		provider: provider,
		registry: registry.New(),
		metrics:  observe.DefaultMetrics(),
		log:      logger,
		sessions: make(map[string]*session.Controller),
	}
	srv.gate = dispatch.NewGate(srv.registry, cfg.Agent.PrimaryID, cfg.Agent.PrimaryName, logger)

	// ── Admin HTTP server ─────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(health.MemoryService(memory)).Register(mux)
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("POST /jobs", srv.handleJob)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(srv.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("admin server listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	srv.shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Server ────────────────────────────────────────────────────────────────────

// server owns the room registry, the dispatch gate and the live session
// controllers.
type server struct {
	cfg      *config.Config
	memory   memoryclient.Service
	provider llm.Provider
	registry *registry.Registry
	gate     *dispatch.Gate
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Controller // keyed by session ID
	wg       sync.WaitGroup
	draining bool
}

// jobResponse is the JSON body returned from the dispatch endpoint.
type jobResponse struct {
	Decision  string `json:"decision"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleJob handles POST /jobs: one dispatch request to serve a room.
func (s *server) handleJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jobResponse{Error: "invalid request body"})
		return
	}
	if req.RoomName == "" {
		writeJSON(w, http.StatusBadRequest, jobResponse{Error: "room_name is required"})
		return
	}

	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		writeJSON(w, http.StatusServiceUnavailable, jobResponse{Error: "shutting down"})
		return
	}

	decision, assignment := s.gate.Accept(req)
	s.metrics.RecordDispatchDecision(r.Context(), decision.String())

	switch decision {
	case dispatch.RejectedWrongAgent:
		writeJSON(w, http.StatusForbidden, jobResponse{Decision: decision.String()})
		return
	case dispatch.RejectedDuplicate:
		writeJSON(w, http.StatusConflict, jobResponse{Decision: decision.String()})
		return
	}

	if err := s.startSession(r.Context(), assignment); err != nil {
		s.registry.Release(assignment.RoomID, assignment.SessionID)
		s.log.Error("failed to start session",
			"room", assignment.RoomID,
			"session", assignment.SessionID,
			"err", err,
		)
		writeJSON(w, http.StatusBadGateway, jobResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		Decision:  decision.String(),
		SessionID: assignment.SessionID,
	})
}

// startSession connects to the room and brings up the full per-session stack.
// The controller runs on its own goroutine until the session drains.
func (s *server) startSession(ctx context.Context, a *registry.Assignment) error {
	if s.cfg.Transport.URL == "" {
		return errors.New("transport.url is not configured")
	}

	room, err := wsroom.Dial(ctx, wsroom.Config{
		URL:      s.cfg.Transport.URL,
		Token:    s.cfg.Transport.Token,
		RoomName: a.RoomID,
		Identity: s.cfg.Agent.Identity,
	})
	if err != nil {
		return err
	}

	ctrl, err := s.buildController(a, room)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = room.Close(closeCtx)
		cancel()
		return err
	}

	s.mu.Lock()
	s.sessions[a.SessionID] = ctrl
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, a.SessionID)
			s.mu.Unlock()
		}()
		if err := ctrl.Run(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("session ended with error",
				"room", a.RoomID,
				"session", a.SessionID,
				"err", err,
			)
		}
	}()

	return nil
}

// buildController assembles the resilience stack, loader, sync worker,
// orchestrator and session controller for one room assignment.
func (s *server) buildController(a *registry.Assignment, room *wsroom.Session) (*session.Controller, error) {
	rel := s.cfg.Reliability
	onTransition := func(name string, to resilience.State) {
		s.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}

	memBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "memory",
		Threshold:    rel.BreakerThreshold,
		Cooldown:     rel.BreakerCooldown(),
		OnTransition: onTransition,
	})
	exec := resilience.NewExecutor(resilience.ExecutorConfig{
		MaxRetries:        rel.Retries(),
		PerAttemptTimeout: rel.PerAttemptTimeout(),
		Backoff:           rel.Backoff(),
	})

	loader, err := agentcontext.NewLoader(agentcontext.LoaderConfig{
		Service:  s.memory,
		AgentID:  s.cfg.Agent.PrimaryID,
		Executor: exec,
		Breaker:  memBreaker,
	})
	if err != nil {
		return nil, err
	}

	syncBreaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "sync",
		Threshold:    rel.BreakerThreshold,
		Cooldown:     rel.BreakerCooldown(),
		OnTransition: onTransition,
	})
	worker, err := orchestrator.NewSyncWorker(orchestrator.SyncWorkerConfig{
		AgentID:  s.cfg.Agent.PrimaryID,
		Memory:   s.memory,
		Executor: exec,
		Breaker:  syncBreaker,
		Metrics:  s.metrics,
		Log:      s.log,
	})
	if err != nil {
		return nil, err
	}

	orchCfg := orchestrator.Config{
		AgentID:           s.cfg.Agent.PrimaryID,
		Mode:              s.cfg.Session.Mode,
		HistoryWindow:     s.cfg.Session.HistoryWindow,
		RefreshEveryTurns: s.cfg.Session.MemoryRefreshEveryTurns,
		Memory:            s.memory,
		Loader:            loader,
		Publisher:         room,
		MemoryExecutor:    exec,
		MemoryBreaker:     memBreaker,
		Validator:         resilience.NewValidator(),
		Sync:              worker,
		Metrics:           s.metrics,
		Log:               s.log,
	}
	if s.cfg.Session.Mode == orchestrator.ModeHybrid {
		gen, err := fastpath.NewGenerator(s.provider, fastpath.GeneratorConfig{
			Temperature: s.cfg.LLM.Temperature,
			MaxTokens:   s.cfg.LLM.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		orchCfg.Generator = gen
		orchCfg.FastExecutor = exec
		orchCfg.FastBreaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "fastpath",
			Threshold:    rel.BreakerThreshold,
			Cooldown:     rel.BreakerCooldown(),
			OnTransition: onTransition,
		})
	}

	// The orchestrator schedules background reloads through the controller's
	// task group, so the controller variable must exist before the
	// orchestrator that references it.
	var ctrl *session.Controller
	orchCfg.Spawn = func(name string, fn func(ctx context.Context)) {
		ctrl.Spawn(name, fn)
	}

	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		return nil, err
	}

	ctrl, err = session.NewController(session.ControllerConfig{
		Assignment:    a,
		Registry:      s.registry,
		Room:          room,
		Loader:        loader,
		Orchestrator:  orch,
		Sync:          worker,
		AgentIdentity: s.cfg.Agent.Identity,
		IdleTimeout:   s.cfg.Session.IdleTimeout(),
		DrainGrace:    s.cfg.Session.DrainGrace(),
		Metrics:       s.metrics,
		Log:           s.log,
	})
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

// shutdown drains all live sessions and waits for them, bounded by ctx.
func (s *server) shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	ctrls := make([]*session.Controller, 0, len(s.sessions))
	for _, c := range s.sessions {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()

	for _, c := range ctrls {
		c.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all sessions drained", "count", len(ctrls))
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached with sessions still draining")
	}
}

// ── LLM provider wiring ───────────────────────────────────────────────────────

// buildLLMProvider constructs the fast-path provider named in cfg. Returns
// (nil, nil) in memory-only mode, where no provider is needed.
func buildLLMProvider(cfg *config.Config) (llm.Provider, error) {
	if cfg.Session.Mode != orchestrator.ModeHybrid {
		return nil, nil
	}

	switch cfg.LLM.Provider {
	case "openai":
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		return openai.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
	default:
		// Everything else goes through any-llm, which routes by name
		// (anthropic, ollama, mistral, groq, ...).
		var opts []anyllmlib.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
		}
		return anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, opts...)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
