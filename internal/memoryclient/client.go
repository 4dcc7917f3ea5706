// Package memoryclient provides a typed HTTP/JSON client for the memory
// service — the stateful conversational backend that stores an agent's
// persona, memory blocks, and conversation history.
//
// The client exposes exactly the four operations the orchestration core
// needs: a health probe, an agent fetch, a synchronous tool-capable turn, and
// an idempotent history append. All failures are reported as a typed [*Error]
// carrying an [ErrorKind] so the retry executor can classify them.
//
// Usage:
//
//	c, err := memoryclient.New("http://localhost:8283")
//	agent, err := c.GetAgent(ctx, "agent-xyz")
//	reply, err := c.Ask(ctx, "agent-xyz", "What time is it?")
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a memory service failure for retry decisions.
type ErrorKind int

const (
	// KindUnreachable means the service could not be contacted at all
	// (connection refused, DNS failure). Retryable.
	KindUnreachable ErrorKind = iota

	// KindTimeout means the request exceeded its deadline. Retryable.
	KindTimeout

	// KindProtocol means the service answered but the exchange was malformed:
	// an unexpected 4xx status or an undecodable body. Terminal — repeating
	// the same request will produce the same rejection.
	KindProtocol

	// KindServerError means the service answered with a 5xx status. Retryable.
	KindServerError

	// KindNotFound means the agent does not exist (404). Terminal.
	KindNotFound
)

// String returns the short label for the kind, used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindServerError:
		return "server_error"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by all Client operations.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op is the operation that failed ("probe", "get_agent", "ask", "append").
	Op string

	// Status is the HTTP status code, when one was received.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("memoryclient: %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying. Unreachable,
// timeout and 5xx failures are transient; not-found and protocol failures are
// terminal.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNotFound, KindProtocol:
		return false
	}
	return true
}

// Block is one labeled memory value owned by an agent. Order matters: blocks
// are composed into the system prompt in the order the service returns them.
type Block struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Agent is the memory service's view of a conversational agent.
type Agent struct {
	// ID is the opaque agent identifier.
	ID string

	// Name is the agent's human-readable label.
	Name string

	// Persona is the agent's persona text. May be empty.
	Persona string

	// Blocks are the agent's memory blocks in service order.
	Blocks []Block
}

// defaultProbeTimeout bounds the health probe independently of the caller's
// context, per the reliability policy.
const defaultProbeTimeout = 2 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Useful for tests and
// for injecting transport-level middleware.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithProbeTimeout overrides the health probe deadline. Defaults to 2s.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.probeTimeout = d
	}
}

// Client is an HTTP/JSON client for the memory service. It is safe for
// concurrent use.
type Client struct {
	baseURL      string
	probeTimeout time.Duration
	httpClient   *http.Client
}

// New creates a Client for the memory service at baseURL
// (e.g., "http://localhost:8283"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("memoryclient: baseURL must not be empty")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		probeTimeout: defaultProbeTimeout,
		// No client-level timeout: per-attempt deadlines come from the caller's
		// context via the retry executor.
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Probe checks that the memory service is reachable. Success within the probe
// timeout means the service can be called; any failure means the full call
// should be skipped. Probe is never retried.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: "probe", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("probe", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError("probe", resp.StatusCode)
	}
	return nil
}

// agentPayload mirrors the GET /agents/{id} response body. The memory field
// carries the tagged shape variant described below.
type agentPayload struct {
	Name    string      `json:"name"`
	Persona string      `json:"persona"`
	Memory  memoryShape `json:"memory"`
}

// memoryShape absorbs the service's two encodings of the block list: either a
// memory object with a "blocks" array, or a bare array of blocks. The variant
// is decoded once here so the rest of the core stays typed.
type memoryShape struct {
	Blocks []Block
}

// UnmarshalJSON implements json.Unmarshaler for the two accepted shapes.
func (m *memoryShape) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if trimmed[0] == '[' {
		return json.Unmarshal(data, &m.Blocks)
	}

	var obj struct {
		Blocks []Block `json:"blocks"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.Blocks = obj.Blocks
	return nil
}

// GetAgent fetches the agent's persona and ordered memory blocks.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var payload agentPayload
	if err := c.getJSON(ctx, "get_agent", "/agents/"+agentID, &payload); err != nil {
		return nil, err
	}
	return &Agent{
		ID:      agentID,
		Name:    payload.Name,
		Persona: payload.Persona,
		Blocks:  payload.Memory.Blocks,
	}, nil
}

// message is one entry in the messages API.
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesRequest is the POST /agents/{id}/messages request body.
type messagesRequest struct {
	Messages []message `json:"messages"`
}

// messagesResponse is the POST /agents/{id}/messages response body.
type messagesResponse struct {
	Messages []message `json:"messages"`
}

// Ask runs one synchronous request/response turn through the memory service
// with the agent's full capability set (tools, functions, memory reads). It
// may take several seconds; callers bound it with the per-attempt deadline.
func (c *Client) Ask(ctx context.Context, agentID string, userText string) (string, error) {
	body := messagesRequest{Messages: []message{{Role: "user", Content: userText}}}

	var resp messagesResponse
	if err := c.postJSON(ctx, "ask", "/agents/"+agentID+"/messages", body, &resp); err != nil {
		return "", err
	}

	// The service may interleave tool and reasoning messages; the reply is the
	// last assistant message.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		if resp.Messages[i].Role == "assistant" {
			return resp.Messages[i].Content, nil
		}
	}
	return "", &Error{Kind: KindProtocol, Op: "ask",
		Err: errors.New("no assistant message in response")}
}

// Append records a completed (user, assistant) turn in the agent's durable
// conversation history. A duplicate-turn rejection from the service is
// treated as success, making Append safe to retry.
func (c *Client) Append(ctx context.Context, agentID string, userText, assistantText string) error {
	body := messagesRequest{Messages: []message{
		{Role: "user", Content: userText},
		{Role: "assistant", Content: assistantText},
	}}

	err := c.postJSON(ctx, "append", "/agents/"+agentID+"/messages", body, nil)
	if err == nil {
		return nil
	}

	var merr *Error
	if errors.As(err, &merr) && merr.isDuplicate() {
		return nil
	}
	return err
}

// isDuplicate reports whether the error is the service's duplicate-turn
// rejection (409, or a 4xx whose body mentions a duplicate).
func (e *Error) isDuplicate() bool {
	if e.Status == http.StatusConflict {
		return true
	}
	return e.Err != nil && strings.Contains(strings.ToLower(e.Err.Error()), "duplicate")
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	return c.do(op, req, out)
}

// postJSON performs a POST with a JSON body and decodes the response into out
// (out may be nil to discard the body).
func (c *Client) postJSON(ctx context.Context, op, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

// do executes the request, maps transport and status failures to typed
// errors, and decodes a 2xx body into out.
func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := statusError(op, resp.StatusCode)
		// Attach a snippet of the body for diagnosis (and duplicate detection).
		if snippet, rerr := io.ReadAll(io.LimitReader(resp.Body, 512)); rerr == nil && len(snippet) > 0 {
			serr.Err = errors.New(string(snippet))
		}
		return serr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	return nil
}

// transportError maps a net/http transport failure to a typed error.
func transportError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

// statusError maps a non-2xx HTTP status to a typed error.
func statusError(op string, status int) *Error {
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Status: status}
	case status >= 500:
		return &Error{Kind: KindServerError, Op: op, Status: status}
	default:
		return &Error{Kind: KindProtocol, Op: op, Status: status}
	}
}

// drainClose discards any unread body bytes so the connection can be reused,
// then closes it.
func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
