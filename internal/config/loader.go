package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/voxrelay/voxrelay/internal/orchestrator"
)

// ValidLLMProviders lists known fast-path provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Agent binding
	if cfg.Agent.PrimaryID == "" {
		errs = append(errs, errors.New("agent.primary_id is required"))
	}
	if cfg.Agent.PrimaryName == "" {
		errs = append(errs, errors.New("agent.primary_name is required"))
	}

	// Memory service
	if cfg.Memory.BaseURL == "" {
		errs = append(errs, errors.New("memory.base_url is required"))
	} else if u, err := url.Parse(cfg.Memory.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("memory.base_url %q is not an absolute URL", cfg.Memory.BaseURL))
	}

	// Session mode and LLM cross-validation
	if cfg.Session.Mode != "" && !cfg.Session.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: hybrid, memory-only", cfg.Session.Mode))
	}
	if cfg.Session.Mode == orchestrator.ModeHybrid {
		if cfg.LLM.Provider == "" {
			errs = append(errs, errors.New("session.mode hybrid requires llm.provider"))
		}
		if cfg.LLM.Model == "" {
			errs = append(errs, errors.New("session.mode hybrid requires llm.model"))
		}
	}
	if cfg.LLM.Provider != "" && !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		slog.Warn("unknown llm provider name — may be a typo or third-party provider",
			"name", cfg.LLM.Provider,
			"known", ValidLLMProviders,
		)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0.0, 2.0]", cfg.LLM.Temperature))
	}

	// Reliability bounds
	if cfg.Reliability.MaxRetries != nil && *cfg.Reliability.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reliability.max_retries %d must not be negative", *cfg.Reliability.MaxRetries))
	}
	for i, s := range cfg.Reliability.BackoffSeconds {
		if s <= 0 {
			errs = append(errs, fmt.Errorf("reliability.backoff_seconds[%d] must be positive", i))
		}
	}

	// Transport
	if cfg.Transport.URL == "" {
		slog.Warn("transport.url is empty; the process can only serve locally injected jobs")
	}

	return errors.Join(errs...)
}

// applyDefaults fills derived defaults that need other fields as input.
// Duration-style defaults live on the accessor methods instead.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Identity == "" {
		cfg.Agent.Identity = "voxrelay-" + cfg.Agent.PrimaryID
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = orchestrator.ModeMemoryOnly
	}
	if cfg.Session.MemoryRefreshEveryTurns <= 0 {
		cfg.Session.MemoryRefreshEveryTurns = 5
	}
	if cfg.Session.HistoryWindow <= 0 {
		cfg.Session.HistoryWindow = 10
	}
	if cfg.Reliability.BreakerThreshold <= 0 {
		cfg.Reliability.BreakerThreshold = 3
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
}
