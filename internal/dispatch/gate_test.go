package dispatch

import (
	"testing"

	"github.com/voxrelay/voxrelay/internal/registry"
)

func newGate() (*Gate, *registry.Registry) {
	reg := registry.New()
	return NewGate(reg, "agent-1", "Ava", nil), reg
}

func TestAccept(t *testing.T) {
	g, reg := newGate()

	dec, a := g.Accept(JobRequest{RoomName: "room-1", AgentID: "agent-1", AgentName: "Ava"})
	if dec != Accepted {
		t.Fatalf("decision = %v, want accepted", dec)
	}
	if a == nil || a.SessionID == "" {
		t.Fatalf("assignment = %+v, want populated", a)
	}
	if reg.Lookup("room-1") != a {
		t.Error("registry does not hold the accepted assignment")
	}
}

func TestAccept_WrongAgent(t *testing.T) {
	g, reg := newGate()

	dec, a := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Other"})
	if dec != RejectedWrongAgent {
		t.Fatalf("decision = %v, want rejected_wrong_agent", dec)
	}
	if a != nil {
		t.Errorf("assignment = %+v, want nil", a)
	}
	// A wrong-agent request must not claim the room.
	if reg.Lookup("room-1") != nil {
		t.Error("room claimed by a rejected request")
	}
}

func TestAccept_Duplicate(t *testing.T) {
	g, _ := newGate()

	_, first := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Ava"})
	if first == nil {
		t.Fatal("first accept failed")
	}

	dec, a := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Ava"})
	if dec != RejectedDuplicate {
		t.Fatalf("decision = %v, want rejected_duplicate", dec)
	}
	if a != nil {
		t.Errorf("assignment = %+v, want nil", a)
	}
}

// A wrong-agent request for an occupied room is reported as a duplicate: the
// live assignment is checked before the agent identity.
func TestAccept_OccupiedRoomWrongAgentIsDuplicate(t *testing.T) {
	g, _ := newGate()

	_, first := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Ava"})
	if first == nil {
		t.Fatal("first accept failed")
	}

	dec, a := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Other"})
	if dec != RejectedDuplicate {
		t.Fatalf("decision = %v, want rejected_duplicate", dec)
	}
	if a != nil {
		t.Errorf("assignment = %+v, want nil", a)
	}
}

func TestAccept_AfterRelease(t *testing.T) {
	g, reg := newGate()

	_, a := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Ava"})
	reg.Release("room-1", a.SessionID)

	dec, _ := g.Accept(JobRequest{RoomName: "room-1", AgentName: "Ava"})
	if dec != Accepted {
		t.Fatalf("decision = %v, want accepted after release", dec)
	}
}

func TestDecisionString(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{Accepted, "accepted"},
		{RejectedDuplicate, "rejected_duplicate"},
		{RejectedWrongAgent, "rejected_wrong_agent"},
		{Decision(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("Decision(%d).String() = %q, want %q", tt.d, got, tt.want)
		}
	}
}
