// Package transport defines the contract between the orchestration core and
// the room media layer. The core never touches audio frames or WebRTC: it
// receives finalized user transcripts and participant events, and it emits
// transcript events and speakable assistant text.
//
// Implementations live in subpackages (e.g. wsroom) and test doubles in
// transport/mock.
package transport

import (
	"context"
	"time"
)

// Role identifies the author of a transcript event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether the role is one of the known values.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// TranscriptEvent is one structured transcript entry published to the room.
type TranscriptEvent struct {
	// Role is the author of the text.
	Role Role

	// Text is the transcript body.
	Text string

	// Timestamp is when the event was produced.
	Timestamp time.Time
}

// ParticipantKind distinguishes humans from agent processes in the room.
type ParticipantKind string

const (
	ParticipantHuman ParticipantKind = "human"
	ParticipantAgent ParticipantKind = "agent"
)

// ParticipantEvent reports a participant joining or leaving the room.
type ParticipantEvent struct {
	// Identity is the participant's room identity.
	Identity string

	// Kind reports whether the participant is a human or an agent identity.
	Kind ParticipantKind

	// Joined is true for a join event, false for a leave event.
	Joined bool
}

// Publisher emits structured transcript events to the room. Publish blocks
// until the event is handed to the transport or ctx is cancelled.
type Publisher interface {
	Publish(ctx context.Context, ev TranscriptEvent) error
}

// SpeechSink accepts assistant text for synthesis. The TTS collaborator
// produces the outbound audio; the core only writes text.
type SpeechSink interface {
	Speak(ctx context.Context, text string) error
}

// RoomSession is one live connection to a room, owned by the session
// controller for the lifetime of a room assignment.
type RoomSession interface {
	Publisher
	SpeechSink

	// RoomName returns the room this session is connected to.
	RoomName() string

	// Transcripts returns the stream of finalized user transcripts. The
	// channel is closed when the session disconnects.
	Transcripts() <-chan string

	// Participants returns the stream of participant join/leave events. The
	// channel is closed when the session disconnects.
	Participants() <-chan ParticipantEvent

	// CleanStaleAgents asks the media server to evict agent-identity
	// participants left behind by crashed processes. Called once when a room
	// is claimed, before the session starts serving.
	CleanStaleAgents(ctx context.Context) error

	// Close disconnects from the room and releases transport resources.
	Close(ctx context.Context) error
}
