// Package dispatch decides whether an incoming job (serve room R as agent A)
// is accepted by this process. It enforces the single-agent binding: one
// nominated primary agent, one session per room.
package dispatch

import (
	"log/slog"

	"github.com/voxrelay/voxrelay/internal/registry"
)

// Decision is the outcome of a dispatch request.
type Decision int

const (
	// Accepted means the room was claimed and a session should start.
	Accepted Decision = iota

	// RejectedDuplicate means the room already has a live session.
	RejectedDuplicate

	// RejectedWrongAgent means the requested agent is not this process's
	// configured primary. The gate never switches agents.
	RejectedWrongAgent
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case RejectedDuplicate:
		return "rejected_duplicate"
	case RejectedWrongAgent:
		return "rejected_wrong_agent"
	default:
		return "unknown"
	}
}

// JobRequest is a request from the transport to serve a room.
type JobRequest struct {
	RoomName  string
	AgentID   string
	AgentName string
}

// Gate validates job requests against the configured primary agent and the
// room registry.
type Gate struct {
	reg              *registry.Registry
	primaryAgentID   string
	primaryAgentName string
	log              *slog.Logger
}

// NewGate creates a Gate bound to the process's primary agent.
func NewGate(reg *registry.Registry, primaryAgentID, primaryAgentName string, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		reg:              reg,
		primaryAgentID:   primaryAgentID,
		primaryAgentName: primaryAgentName,
		log:              log,
	}
}

// Accept evaluates req. On [Accepted] the returned assignment holds the new
// session ID and the caller must bring up a session (and eventually release
// the assignment). On rejection the assignment is nil and nothing changed.
func (g *Gate) Accept(req JobRequest) (Decision, *registry.Assignment) {
	// The live assignment is checked first: a request for an occupied room is a
	// duplicate regardless of which agent it names.
	if existing := g.reg.Lookup(req.RoomName); existing != nil {
		g.log.Warn("dispatch rejected: duplicate",
			"room", req.RoomName,
			"owner_agent", existing.AgentID,
			"owner_session", existing.SessionID,
		)
		return RejectedDuplicate, nil
	}

	// Agent identity is checked before any claim: a wrong-agent request must
	// never acquire the room.
	if req.AgentName != g.primaryAgentName {
		g.log.Warn("dispatch rejected: wrong agent",
			"room", req.RoomName,
			"requested_agent", req.AgentName,
			"primary_agent", g.primaryAgentName,
		)
		return RejectedWrongAgent, nil
	}

	a, err := g.reg.TryAcquire(req.RoomName, g.primaryAgentID)
	if err != nil {
		// Lost a race for the room, or the agent is busy elsewhere.
		if existing := g.reg.Lookup(req.RoomName); existing != nil {
			g.log.Warn("dispatch rejected: duplicate",
				"room", req.RoomName,
				"owner_agent", existing.AgentID,
				"owner_session", existing.SessionID,
			)
		} else {
			g.log.Warn("dispatch rejected: agent busy elsewhere",
				"room", req.RoomName,
				"agent", g.primaryAgentID,
			)
		}
		return RejectedDuplicate, nil
	}

	g.log.Info("dispatch accepted",
		"room", req.RoomName,
		"agent", g.primaryAgentID,
		"session", a.SessionID,
	)
	return Accepted, a
}
