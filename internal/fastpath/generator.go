// Package fastpath produces a reply directly from an LLM provider using the
// cached agent context, bypassing the memory service. It is the low-latency
// degraded mode the orchestrator switches to while the memory-path breaker is
// open.
package fastpath

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/provider/llm"
)

// ErrEmptyStream is returned when the provider closes the stream without
// emitting any text.
var ErrEmptyStream = errors.New("fastpath: provider stream produced no text")

// GeneratorConfig tunes the fast-path completion request.
type GeneratorConfig struct {
	// Temperature for fast-path completions. Zero requests greedy decoding,
	// which is acceptable here; set explicitly for variety.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default. Voice
	// replies should be short, so configs typically set this low.
	MaxTokens int
}

// Generator assembles a complete reply from a streaming provider. The fast
// path is tool-blind and sends only the cached system prompt plus the
// in-process history window.
type Generator struct {
	provider llm.Provider
	cfg      GeneratorConfig
}

// NewGenerator creates a Generator over the given provider.
func NewGenerator(provider llm.Provider, cfg GeneratorConfig) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("fastpath: provider is required")
	}
	return &Generator{provider: provider, cfg: cfg}, nil
}

// Generate sends the system prompt, history window and user utterance to the
// provider and assembles the streamed chunks into one reply. A mid-stream
// provider failure surfaces as an error; cancellation of ctx aborts the
// stream and returns ctx.Err().
func (g *Generator) Generate(ctx context.Context, systemPrompt string, history []llm.Message, userText string) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})

	chunks, err := g.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: systemPrompt,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("fastpath: start stream: %w", err)
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			// Drain in the background so the provider goroutine can exit.
			go func() {
				for range chunks {
				}
			}()
			return "", ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if sb.Len() == 0 {
					return "", ErrEmptyStream
				}
				return sb.String(), nil
			}
			if chunk.FinishReason == "error" {
				return "", fmt.Errorf("fastpath: stream failed: %s", chunk.Text)
			}
			sb.WriteString(chunk.Text)
		}
	}
}
