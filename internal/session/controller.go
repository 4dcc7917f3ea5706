// Package session owns the lifecycle of one room assignment: preloading the
// agent context, feeding finalized transcripts to the turn orchestrator,
// supervising background tasks, and tearing everything down when the room
// empties, idles out, or is shut down.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay/internal/agentcontext"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/orchestrator"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/pkg/transport"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateServing
	StateDraining
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateServing:
		return "serving"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultIdleTimeout = 300 * time.Second
	defaultDrainGrace  = 5 * time.Second
)

// ControllerConfig wires a [Controller].
type ControllerConfig struct {
	// Assignment is the room assignment this session serves.
	Assignment *registry.Assignment

	// Registry releases the assignment on teardown.
	Registry *registry.Registry

	// Room is the live transport connection.
	Room transport.RoomSession

	// Loader is preloaded during initialization and cleared on teardown.
	Loader *agentcontext.Loader

	// Orchestrator handles each finalized user transcript.
	Orchestrator *orchestrator.Orchestrator

	// Sync is the background history sync worker, run under the session's
	// task group. Optional.
	Sync *orchestrator.SyncWorker

	// AgentIdentity is this process's own participant identity in the room,
	// excluded from agent-conflict counting.
	AgentIdentity string

	// IdleTimeout drains the session after this long without a finalized user
	// transcript. Default: 300s.
	IdleTimeout time.Duration

	// DrainGrace bounds the best-effort flush of background work during
	// draining before tasks are forcibly cancelled. Default: 5s.
	DrainGrace time.Duration

	// Metrics tracks the active-session gauge. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Log is the session-scoped logger. Defaults to [slog.Default].
	Log *slog.Logger
}

// Controller drives one session through
// initializing → ready → serving → draining → closed.
//
// The event loop is single-threaded: transcripts, participant events and the
// idle timer are consumed from one select, which serializes turns within the
// session. Background tasks (sync worker, context reloads) run under an
// errgroup that is cancelled and awaited during draining.
type Controller struct {
	cfg ControllerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	group    *errgroup.Group
	groupCtx context.Context

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewController validates the wiring and creates a Controller.
func NewController(c ControllerConfig) (*Controller, error) {
	if c.Assignment == nil || c.Registry == nil {
		return nil, fmt.Errorf("session: assignment and registry are required")
	}
	if c.Room == nil {
		return nil, fmt.Errorf("session: room transport is required")
	}
	if c.Loader == nil || c.Orchestrator == nil {
		return nil, fmt.Errorf("session: loader and orchestrator are required")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(
		"room", c.Assignment.RoomID,
		"session", c.Assignment.SessionID,
	)
	return &Controller{
		cfg:        c,
		log:        c.Log,
		state:      StateInitializing,
		shutdownCh: make(chan struct{}),
	}, nil
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Info("session state changed", "from", prev.String(), "to", s.String())
	}
}

// Shutdown requests a graceful drain. Safe to call from any goroutine and
// more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// Spawn runs fn as a session-owned background task. During draining the task
// receives cancellation and is awaited. Before Run starts (or after it ends)
// fn executes inline.
func (c *Controller) Spawn(name string, fn func(ctx context.Context)) {
	c.mu.Lock()
	g, gctx := c.group, c.groupCtx
	c.mu.Unlock()

	if g == nil {
		fn(context.Background())
		return
	}
	log := c.log
	g.Go(func() error {
		log.Debug("background task started", "task", name)
		fn(gctx)
		log.Debug("background task finished", "task", name)
		return nil
	})
}

// Run executes the session until it closes. It always releases the room
// assignment and closes the transport before returning. The returned error
// is non-nil only for initialization failures; a served session that drains
// normally returns nil.
func (c *Controller) Run(ctx context.Context) error {
	defer c.close(ctx)

	// Evict agent identities left behind by crashed processes before this
	// session starts producing events. Best effort.
	if err := c.cfg.Room.CleanStaleAgents(ctx); err != nil {
		c.log.Warn("stale agent cleanup failed", "error", err)
	}

	// Preload the agent context; the session is not ready to serve without it.
	if _, err := c.cfg.Loader.Load(ctx); err != nil {
		return fmt.Errorf("session: preload agent context: %w", err)
	}
	c.setState(StateReady)

	c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer c.cfg.Metrics.ActiveSessions.Add(ctx, -1)

	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()
	g, gctx := errgroup.WithContext(taskCtx)
	c.mu.Lock()
	c.group, c.groupCtx = g, gctx
	c.mu.Unlock()

	if c.cfg.Sync != nil {
		g.Go(func() error {
			c.cfg.Sync.Run(gctx)
			return nil
		})
	}

	reason := c.serve(ctx, gctx)
	c.setState(StateDraining)
	c.log.Info("session draining", "reason", reason)

	c.drain(cancelTasks, g)
	return nil
}

// serve runs the main event loop and returns the drain reason.
func (c *Controller) serve(ctx, turnCtx context.Context) string {
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	agents := make(map[string]struct{})
	humans := make(map[string]struct{})
	sawHuman := false

	for {
		select {
		case <-ctx.Done():
			return "context_cancelled"

		case <-c.shutdownCh:
			return "shutdown"

		case <-idle.C:
			return "idle_timeout"

		case text, ok := <-c.cfg.Room.Transcripts():
			if !ok {
				return "transport_closed"
			}
			c.setState(StateServing)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.cfg.IdleTimeout)

			reply, err := c.cfg.Orchestrator.HandleUtterance(turnCtx, text)
			if err != nil {
				c.log.Error("turn failed, draining session", "error", err)
				return "turn_failure"
			}
			if err := c.cfg.Room.Speak(turnCtx, reply); err != nil {
				c.log.Warn("speech sink rejected reply", "error", err)
			}

		case ev, ok := <-c.cfg.Room.Participants():
			if !ok {
				return "transport_closed"
			}
			switch ev.Kind {
			case transport.ParticipantHuman:
				if ev.Joined {
					humans[ev.Identity] = struct{}{}
					sawHuman = true
				} else {
					delete(humans, ev.Identity)
					if sawHuman && len(humans) == 0 {
						return "last_human_left"
					}
				}
			case transport.ParticipantAgent:
				if ev.Identity == c.cfg.AgentIdentity {
					continue
				}
				if ev.Joined {
					agents[ev.Identity] = struct{}{}
					// One agent per room is the system invariant; any other
					// agent identity in the room is pollution.
					c.log.Warn("foreign agent detected in room", "identity", ev.Identity)
					return "agent_conflict"
				}
				delete(agents, ev.Identity)
			}
		}
	}
}

// drain flushes background work with a bounded grace period, then forcibly
// cancels and awaits all session-owned tasks, and clears in-process
// conversational state. Durable memory is untouched.
func (c *Controller) drain(cancelTasks context.CancelFunc, g *errgroup.Group) {
	if c.cfg.Sync != nil {
		c.cfg.Sync.Close()
		select {
		case <-c.cfg.Sync.Done():
		case <-time.After(c.cfg.DrainGrace):
			c.log.Warn("sync worker did not flush within grace period, cancelling")
		}
	}

	cancelTasks()
	_ = g.Wait()

	c.mu.Lock()
	c.group, c.groupCtx = nil, nil
	c.mu.Unlock()

	c.cfg.Orchestrator.Reset()
	c.cfg.Loader.Clear()
}

// close releases the assignment, closes the transport and marks the session
// closed.
func (c *Controller) close(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.cfg.Room.Close(closeCtx); err != nil {
		c.log.Warn("closing room transport failed", "error", err)
	}

	c.cfg.Registry.Release(c.cfg.Assignment.RoomID, c.cfg.Assignment.SessionID)
	c.setState(StateClosed)
	c.log.Info("session closed")
}
