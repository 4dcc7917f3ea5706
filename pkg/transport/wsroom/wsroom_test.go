package wsroom_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/pkg/transport"
	"github.com/voxrelay/voxrelay/pkg/transport/wsroom"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRoomServer launches a test WebSocket server. The handler receives the
// accepted conn and the upgrade request.
func startRoomServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func TestDial_SendsRoomIdentityAndToken(t *testing.T) {
	t.Parallel()

	type upgrade struct {
		room, identity, auth string
	}
	got := make(chan upgrade, 1)

	srv := startRoomServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- upgrade{
			room:     r.URL.Query().Get("room"),
			identity: r.URL.Query().Get("identity"),
			auth:     r.Header.Get("Authorization"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := wsroom.Dial(context.Background(), wsroom.Config{
		URL:      wsURL(srv),
		Token:    "secret",
		RoomName: "room-1",
		Identity: "voxrelay-agent-1",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close(context.Background())

	select {
	case u := <-got:
		if u.room != "room-1" || u.identity != "voxrelay-agent-1" {
			t.Errorf("upgrade query = %+v", u)
		}
		if u.auth != "Bearer secret" {
			t.Errorf("auth header = %q", u.auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received connection")
	}

	if sess.RoomName() != "room-1" {
		t.Errorf("RoomName = %q", sess.RoomName())
	}
}

func TestDial_RequiresURLAndRoom(t *testing.T) {
	t.Parallel()
	if _, err := wsroom.Dial(context.Background(), wsroom.Config{RoomName: "r"}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := wsroom.Dial(context.Background(), wsroom.Config{URL: "ws://x"}); err == nil {
		t.Error("expected error for empty RoomName")
	}
}

func TestTranscripts_DeliversOnlyFinalUserText(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "transcript", "role": "user", "text": "partial wo", "final": false})
		writeJSON(t, conn, map[string]any{"type": "transcript", "role": "assistant", "text": "echo", "final": true})
		writeJSON(t, conn, map[string]any{"type": "transcript", "role": "user", "text": "what time is it", "final": true})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := wsroom.Dial(context.Background(), wsroom.Config{URL: wsURL(srv), RoomName: "r"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close(context.Background())

	select {
	case text := <-sess.Transcripts():
		if text != "what time is it" {
			t.Errorf("transcript = %q, want the final user text", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestParticipants_DeliversJoinAndLeave(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "participant", "identity": "alice", "kind": "human", "joined": true})
		writeJSON(t, conn, map[string]any{"type": "participant", "identity": "other-agent", "kind": "agent", "joined": true})
		writeJSON(t, conn, map[string]any{"type": "participant", "identity": "alice", "kind": "human", "joined": false})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := wsroom.Dial(context.Background(), wsroom.Config{URL: wsURL(srv), RoomName: "r"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close(context.Background())

	want := []transport.ParticipantEvent{
		{Identity: "alice", Kind: transport.ParticipantHuman, Joined: true},
		{Identity: "other-agent", Kind: transport.ParticipantAgent, Joined: true},
		{Identity: "alice", Kind: transport.ParticipantHuman, Joined: false},
	}
	for i, w := range want {
		select {
		case ev := <-sess.Participants():
			if ev != w {
				t.Errorf("event[%d] = %+v, want %+v", i, ev, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for participant event %d", i)
		}
	}
}

func TestPublishAndSpeak_SendEnvelopes(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 3)
	srv := startRoomServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 3 {
			var raw map[string]any
			readJSON(t, conn, &raw)
			frames <- raw
		}
	})

	sess, err := wsroom.Dial(context.Background(), wsroom.Config{URL: wsURL(srv), RoomName: "r"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close(context.Background())

	ctx := context.Background()
	err = sess.Publish(ctx, transport.TranscriptEvent{
		Role:      transport.RoleAssistant,
		Text:      "Hello there.",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := sess.Speak(ctx, "Hello there."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := sess.CleanStaleAgents(ctx); err != nil {
		t.Fatalf("CleanStaleAgents: %v", err)
	}

	first := <-frames
	if first["type"] != "transcript" || first["role"] != "assistant" || first["text"] != "Hello there." || first["final"] != true {
		t.Errorf("transcript frame = %v", first)
	}
	second := <-frames
	if second["type"] != "speak" || second["text"] != "Hello there." {
		t.Errorf("speak frame = %v", second)
	}
	third := <-frames
	if third["type"] != "clean_stale_agents" {
		t.Errorf("cleanup frame = %v", third)
	}
}

func TestClose_ClosesChannelsAndRejectsWrites(t *testing.T) {
	t.Parallel()

	srv := startRoomServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := wsroom.Dial(context.Background(), wsroom.Config{URL: wsURL(srv), RoomName: "r"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := sess.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}

	select {
	case _, ok := <-sess.Transcripts():
		if ok {
			t.Error("Transcripts delivered an event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: Transcripts not closed")
	}

	if err := sess.Speak(context.Background(), "late"); err == nil {
		t.Error("Speak after Close should fail")
	}
}
