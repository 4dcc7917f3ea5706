// Package mock provides a test double for the memoryclient.Service interface.
//
// Response fields may be plain values or per-call functions; set the Fn
// variants to script sequences (e.g. fail twice then succeed). All call
// records are safe to read after the test completes.
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/internal/memoryclient"
)

// AppendCall records a single invocation of Append.
type AppendCall struct {
	AgentID   string
	User      string
	Assistant string
}

// AskCall records a single invocation of Ask.
type AskCall struct {
	AgentID string
	Text    string
}

// Service is a mock implementation of memoryclient.Service.
// Zero values cause methods to return zero values and nil errors.
type Service struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProbeErr is returned by Probe. ProbeFn takes precedence when non-nil.
	ProbeErr error
	ProbeFn  func(ctx context.Context) error

	// Agent is returned by GetAgent alongside AgentErr.
	Agent    *memoryclient.Agent
	AgentErr error

	// AskReply is returned by Ask alongside AskErr. AskFn takes precedence
	// when non-nil.
	AskReply string
	AskErr   error
	AskFn    func(ctx context.Context, agentID, text string) (string, error)

	// AppendErr is returned by Append. AppendFn takes precedence when non-nil.
	AppendErr error
	AppendFn  func(ctx context.Context, agentID, user, assistant string) error

	// --- Call records (read after test) ---

	ProbeCalls  int
	AgentCalls  int
	AskCalls    []AskCall
	AppendCalls []AppendCall
}

// Probe implements memoryclient.Service.
func (s *Service) Probe(ctx context.Context) error {
	s.mu.Lock()
	s.ProbeCalls++
	fn := s.ProbeFn
	err := s.ProbeErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return err
}

// GetAgent implements memoryclient.Service.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*memoryclient.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentCalls++
	return s.Agent, s.AgentErr
}

// Ask implements memoryclient.Service.
func (s *Service) Ask(ctx context.Context, agentID string, userText string) (string, error) {
	s.mu.Lock()
	s.AskCalls = append(s.AskCalls, AskCall{AgentID: agentID, Text: userText})
	fn := s.AskFn
	reply, err := s.AskReply, s.AskErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, agentID, userText)
	}
	return reply, err
}

// Append implements memoryclient.Service.
func (s *Service) Append(ctx context.Context, agentID string, userText, assistantText string) error {
	s.mu.Lock()
	s.AppendCalls = append(s.AppendCalls, AppendCall{AgentID: agentID, User: userText, Assistant: assistantText})
	fn := s.AppendFn
	err := s.AppendErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, agentID, userText, assistantText)
	}
	return err
}

// Appended returns a snapshot of recorded Append calls. Thread-safe.
func (s *Service) Appended() []AppendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppendCall, len(s.AppendCalls))
	copy(out, s.AppendCalls)
	return out
}

// Asked returns a snapshot of recorded Ask calls. Thread-safe.
func (s *Service) Asked() []AskCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AskCall, len(s.AskCalls))
	copy(out, s.AskCalls)
	return out
}

// Ensure Service implements memoryclient.Service at compile time.
var _ memoryclient.Service = (*Service)(nil)
