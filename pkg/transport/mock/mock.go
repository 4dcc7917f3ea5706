// Package mock provides a scriptable in-memory transport.RoomSession for
// tests: feed user transcripts and participant events in, observe published
// transcript events and spoken text out.
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/transport"
)

// RoomSession is a mock implementation of transport.RoomSession.
// Create with NewRoomSession; drive inputs with SendTranscript and
// SendParticipant; read outputs with Published and Spoken.
type RoomSession struct {
	room string

	transcripts  chan string
	participants chan transport.ParticipantEvent

	mu        sync.Mutex
	published []transport.TranscriptEvent
	spoken    []string
	closed    bool

	// PublishErr, if non-nil, is returned by Publish.
	PublishErr error

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	// CleanErr, if non-nil, is returned by CleanStaleAgents.
	CleanErr error

	cleanCalls int
}

// NewRoomSession creates a mock session for the named room with buffered
// input channels.
func NewRoomSession(room string) *RoomSession {
	return &RoomSession{
		room:         room,
		transcripts:  make(chan string, 16),
		participants: make(chan transport.ParticipantEvent, 16),
	}
}

// RoomName implements transport.RoomSession.
func (s *RoomSession) RoomName() string { return s.room }

// Transcripts implements transport.RoomSession.
func (s *RoomSession) Transcripts() <-chan string { return s.transcripts }

// Participants implements transport.RoomSession.
func (s *RoomSession) Participants() <-chan transport.ParticipantEvent { return s.participants }

// Publish implements transport.Publisher, recording the event.
func (s *RoomSession) Publish(ctx context.Context, ev transport.TranscriptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PublishErr != nil {
		return s.PublishErr
	}
	s.published = append(s.published, ev)
	return nil
}

// Speak implements transport.SpeechSink, recording the text.
func (s *RoomSession) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	s.spoken = append(s.spoken, text)
	return nil
}

// CleanStaleAgents implements transport.RoomSession, recording the call.
func (s *RoomSession) CleanStaleAgents(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanCalls++
	return s.CleanErr
}

// Close implements transport.RoomSession. It closes the input channels so
// range loops over Transcripts and Participants terminate.
func (s *RoomSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.transcripts)
	close(s.participants)
	return nil
}

// SendTranscript feeds a finalized user transcript into the session.
func (s *RoomSession) SendTranscript(text string) {
	s.transcripts <- text
}

// SendParticipant feeds a participant event into the session.
func (s *RoomSession) SendParticipant(ev transport.ParticipantEvent) {
	s.participants <- ev
}

// Published returns a snapshot of published transcript events. Thread-safe.
func (s *RoomSession) Published() []transport.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.TranscriptEvent, len(s.published))
	copy(out, s.published)
	return out
}

// Spoken returns a snapshot of text handed to the speech sink. Thread-safe.
func (s *RoomSession) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

// CleanCalls returns how many times CleanStaleAgents was invoked. Thread-safe.
func (s *RoomSession) CleanCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanCalls
}

// Closed reports whether Close has been called. Thread-safe.
func (s *RoomSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure RoomSession implements transport.RoomSession at compile time.
var _ transport.RoomSession = (*RoomSession)(nil)
