package memoryclient

import "context"

// Service is the abstraction consumed by the orchestration layers. [*Client]
// is the production implementation; memoryclient/mock provides a test double.
type Service interface {
	// Probe checks reachability within the probe timeout. Never retried.
	Probe(ctx context.Context) error

	// GetAgent fetches persona and ordered memory blocks for agentID.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// Ask runs one synchronous, tool-capable turn through the service.
	Ask(ctx context.Context, agentID string, userText string) (string, error)

	// Append records a completed (user, assistant) pair in durable history.
	// Duplicate-turn rejections are absorbed as success.
	Append(ctx context.Context, agentID string, userText, assistantText string) error
}

// Compile-time check that *Client satisfies [Service].
var _ Service = (*Client)(nil)
