package fastpath

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/pkg/provider/llm"
	"github.com/voxrelay/voxrelay/pkg/provider/llm/mock"
)

func TestGenerate_AssemblesChunks(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "The current "},
		{Text: "time is "},
		{Text: "3:28 PM.", FinishReason: "stop"},
	}}
	g, err := NewGenerator(p, GeneratorConfig{Temperature: 0.7, MaxTokens: 256})
	if err != nil {
		t.Fatal(err)
	}

	history := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	reply, err := g.Generate(context.Background(), "You are Ava.", history, "What time is it?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "The current time is 3:28 PM." {
		t.Errorf("reply = %q", reply)
	}

	if len(p.StreamCalls) != 1 {
		t.Fatalf("StreamCalls = %d, want 1", len(p.StreamCalls))
	}
	req := p.StreamCalls[0].Req
	if req.SystemPrompt != "You are Ava." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 256 {
		t.Errorf("Temperature/MaxTokens = %v/%v", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 3 || req.Messages[2].Role != "user" || req.Messages[2].Content != "What time is it?" {
		t.Errorf("messages = %+v, want history followed by user utterance", req.Messages)
	}
}

func TestGenerate_StreamStartFailure(t *testing.T) {
	p := &mock.Provider{StreamErr: errors.New("connection refused")}
	g, _ := NewGenerator(p, GeneratorConfig{})

	_, err := g.Generate(context.Background(), "", nil, "hi")
	if err == nil || !strings.Contains(err.Error(), "start stream") {
		t.Fatalf("err = %v, want start stream failure", err)
	}
}

func TestGenerate_MidStreamError(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial "},
		{Text: "rate limit exceeded", FinishReason: "error"},
	}}
	g, _ := NewGenerator(p, GeneratorConfig{})

	_, err := g.Generate(context.Background(), "", nil, "hi")
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("err = %v, want mid-stream failure surfaced", err)
	}
}

func TestGenerate_EmptyStream(t *testing.T) {
	p := &mock.Provider{}
	g, _ := NewGenerator(p, GeneratorConfig{})

	_, err := g.Generate(context.Background(), "", nil, "hi")
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("err = %v, want ErrEmptyStream", err)
	}
}

func TestGenerate_ContextCancellation(t *testing.T) {
	p := &mock.Provider{StreamDelayCtx: true}
	g, _ := NewGenerator(p, GeneratorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Generate(ctx, "", nil, "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Generate did not return promptly on cancellation")
	}
}
