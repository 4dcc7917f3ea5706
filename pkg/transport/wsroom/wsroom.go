// Package wsroom implements transport.RoomSession over a WebSocket connection
// to a room media server. The media layer performs STT and TTS; this client
// exchanges JSON envelopes carrying finalized transcripts, participant events,
// and speakable text.
package wsroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/pkg/transport"
)

// Config holds the connection settings for one room session.
type Config struct {
	// URL is the WebSocket endpoint of the media server (e.g.,
	// "wss://rooms.example.com/ws").
	URL string

	// Token authenticates the agent process. Sent as a bearer token.
	Token string

	// RoomName is the room to join.
	RoomName string

	// Identity is this process's participant identity in the room.
	Identity string
}

// envelope is the JSON wire format for both directions. Type selects which of
// the optional fields are meaningful.
type envelope struct {
	Type string `json:"type"`

	// transcript (both directions)
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// participant (inbound)
	Identity string `json:"identity,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Joined   bool   `json:"joined,omitempty"`
}

// Session is a live WebSocket room connection. It implements
// transport.RoomSession.
type Session struct {
	conn *websocket.Conn
	room string

	transcripts  chan string
	participants chan transport.ParticipantEvent

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	closeErr error
}

var _ transport.RoomSession = (*Session)(nil)

// Dial connects to the media server and joins the configured room. The
// returned session delivers inbound events until the connection drops or
// Close is called.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsroom: URL must not be empty")
	}
	if cfg.RoomName == "" {
		return nil, errors.New("wsroom: RoomName must not be empty")
	}

	wsURL, err := buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsroom: build URL: %w", err)
	}

	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsroom: dial %q: %w", cfg.URL, err)
	}

	s := &Session{
		conn:         conn,
		room:         cfg.RoomName,
		transcripts:  make(chan string, 16),
		participants: make(chan transport.ParticipantEvent, 16),
		done:         make(chan struct{}),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// buildURL appends the room and identity query parameters to the endpoint.
func buildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", cfg.RoomName)
	if cfg.Identity != "" {
		q.Set("identity", cfg.Identity)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RoomName returns the room this session joined.
func (s *Session) RoomName() string { return s.room }

// Transcripts returns the stream of finalized user transcripts. Closed when
// the connection drops.
func (s *Session) Transcripts() <-chan string { return s.transcripts }

// Participants returns the stream of participant join/leave events. Closed
// when the connection drops.
func (s *Session) Participants() <-chan transport.ParticipantEvent {
	return s.participants
}

// Publish sends a structured transcript event to the room.
func (s *Session) Publish(ctx context.Context, ev transport.TranscriptEvent) error {
	return s.write(ctx, envelope{
		Type:      "transcript",
		Role:      string(ev.Role),
		Text:      ev.Text,
		Final:     true,
		Timestamp: ev.Timestamp,
	})
}

// Speak submits assistant text for synthesis by the media server's TTS stage.
func (s *Session) Speak(ctx context.Context, text string) error {
	return s.write(ctx, envelope{Type: "speak", Text: text})
}

// CleanStaleAgents asks the media server to evict agent-identity participants
// left behind by crashed processes. This session's own identity is exempt on
// the server side.
func (s *Session) CleanStaleAgents(ctx context.Context) error {
	return s.write(ctx, envelope{Type: "clean_stale_agents"})
}

// write marshals env and sends it as one text frame.
func (s *Session) write(ctx context.Context, env envelope) error {
	select {
	case <-s.done:
		return errors.New("wsroom: session is closed")
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsroom: marshal %s: %w", env.Type, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsroom: write %s: %w", env.Type, err)
	}
	return nil
}

// Close disconnects from the room. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return s.closeErr
}

// readLoop receives envelopes from the media server and dispatches them to
// the transcript and participant channels. It exits when the connection
// drops, closing both channels so the session controller observes the
// disconnect.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.transcripts)
	defer close(s.participants)

	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "transcript":
			// Interim transcripts and the agent's own echoes are dropped;
			// the core only reacts to finalized user speech.
			if !env.Final || env.Role != string(transport.RoleUser) || env.Text == "" {
				continue
			}
			select {
			case s.transcripts <- env.Text:
			case <-s.done:
				return
			}
		case "participant":
			kind := transport.ParticipantKind(env.Kind)
			if kind != transport.ParticipantAgent {
				kind = transport.ParticipantHuman
			}
			ev := transport.ParticipantEvent{
				Identity: env.Identity,
				Kind:     kind,
				Joined:   env.Joined,
			}
			select {
			case s.participants <- ev:
			case <-s.done:
				return
			}
		}
	}
}
