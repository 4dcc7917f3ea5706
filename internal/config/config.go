// Package config provides the configuration schema and loader for the
// voxrelay orchestration service.
package config

import (
	"time"

	"github.com/voxrelay/voxrelay/internal/orchestrator"
)

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agent       AgentConfig       `yaml:"agent"`
	Memory      MemoryConfig      `yaml:"memory"`
	LLM         LLMConfig         `yaml:"llm"`
	Session     SessionConfig     `yaml:"session"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Transport   TransportConfig   `yaml:"transport"`
}

// ServerConfig holds network and logging settings for the admin HTTP server
// (health probes and the Prometheus metrics endpoint).
type ServerConfig struct {
	// ListenAddr is the TCP address the admin server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AgentConfig binds the process to its nominated primary agent.
// Immutable after startup.
type AgentConfig struct {
	// PrimaryID is the memory-service identifier of the agent this process
	// serves. Required.
	PrimaryID string `yaml:"primary_id"`

	// PrimaryName is the human label enforced by the dispatch gate: job
	// requests naming any other agent are rejected. Required.
	PrimaryName string `yaml:"primary_name"`

	// Identity is this process's own participant identity in rooms. Defaults
	// to "voxrelay-" + PrimaryID.
	Identity string `yaml:"identity"`
}

// MemoryConfig holds the memory-service connection settings.
type MemoryConfig struct {
	// BaseURL is the HTTP base of the memory service
	// (e.g., "http://localhost:8283"). Required.
	BaseURL string `yaml:"base_url"`

	// ProbeTimeoutSeconds bounds the pre-call health probe. Default: 2.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// LLMConfig selects and configures the fast-path LLM provider.
type LLMConfig struct {
	// Provider selects the implementation: "openai" or any backend supported
	// through any-llm ("anthropic", "ollama", "mistral", ...). Ignored in
	// memory-only mode.
	Provider string `yaml:"provider"`

	// APIKey is the provider credential.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps fast-path reply length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// SessionConfig tunes per-session behaviour.
type SessionConfig struct {
	// Mode selects turn routing: "hybrid" or "memory-only".
	// Default: "memory-only" (tools keep working).
	Mode orchestrator.Mode `yaml:"mode"`

	// IdleTimeoutSeconds drains a session after this long without a user
	// transcript. Default: 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// MemoryRefreshEveryTurns reloads persona and memory blocks every N user
	// turns. Default: 5.
	MemoryRefreshEveryTurns int `yaml:"memory_refresh_every_turns"`

	// HistoryWindow bounds the in-process history in turns. Default: 10.
	HistoryWindow int `yaml:"history_window"`

	// DrainGraceSeconds bounds the best-effort background flush during
	// teardown. Default: 5.
	DrainGraceSeconds int `yaml:"drain_grace_seconds"`
}

// ReliabilityConfig tunes the retry executor and circuit breakers shared by
// all dependency calls.
type ReliabilityConfig struct {
	// MaxRetries is the number of retries after the first attempt. A pointer
	// so an explicit 0 (single attempt) is distinguishable from the field
	// being absent. Default: 2.
	MaxRetries *int `yaml:"max_retries"`

	// PerAttemptTimeoutSeconds is the hard deadline per attempt. Default: 10.
	PerAttemptTimeoutSeconds int `yaml:"per_attempt_timeout_seconds"`

	// BackoffSeconds is the sleep schedule between attempts; the last entry
	// repeats. Default: [2, 4].
	BackoffSeconds []int `yaml:"backoff_seconds"`

	// BreakerThreshold is the consecutive-failure count that opens a breaker.
	// Default: 3.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldownSeconds is how long a breaker stays open before probing.
	// Default: 30.
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// TransportConfig holds the room-transport connection settings.
type TransportConfig struct {
	// URL is the websocket endpoint of the room media server
	// (e.g., "wss://rooms.example.com/ws"). Required.
	URL string `yaml:"url"`

	// Token authenticates this process to the media server. Token issuance is
	// external; the value is passed through as-is.
	Token string `yaml:"token"`
}

// ProbeTimeout returns the configured probe timeout as a duration.
func (m MemoryConfig) ProbeTimeout() time.Duration {
	if m.ProbeTimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(m.ProbeTimeoutSeconds) * time.Second
}

// IdleTimeout returns the configured idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// DrainGrace returns the configured drain grace as a duration.
func (s SessionConfig) DrainGrace() time.Duration {
	if s.DrainGraceSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.DrainGraceSeconds) * time.Second
}

// Retries returns the configured retry count, defaulting to 2 when the field
// is absent. An explicit 0 disables retries.
func (r ReliabilityConfig) Retries() int {
	if r.MaxRetries == nil {
		return 2
	}
	if *r.MaxRetries < 0 {
		return 0
	}
	return *r.MaxRetries
}

// PerAttemptTimeout returns the configured per-attempt deadline as a duration.
func (r ReliabilityConfig) PerAttemptTimeout() time.Duration {
	if r.PerAttemptTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.PerAttemptTimeoutSeconds) * time.Second
}

// BreakerCooldown returns the configured breaker cooldown as a duration.
func (r ReliabilityConfig) BreakerCooldown() time.Duration {
	if r.BreakerCooldownSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.BreakerCooldownSeconds) * time.Second
}

// Backoff returns the configured backoff schedule as durations.
func (r ReliabilityConfig) Backoff() []time.Duration {
	if len(r.BackoffSeconds) == 0 {
		return []time.Duration{2 * time.Second, 4 * time.Second}
	}
	out := make([]time.Duration, len(r.BackoffSeconds))
	for i, s := range r.BackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
