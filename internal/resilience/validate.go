package resilience

import (
	"errors"
	"strings"
	"unicode"
)

// Validation errors returned by [Validator.Validate]. All of them are terminal:
// a rejected reply is replaced by a fallback, never retried.
var (
	// ErrEmptyResponse means the candidate reply was empty or whitespace-only.
	ErrEmptyResponse = errors.New("empty response")

	// ErrTooShort means the candidate reply had fewer than 3 non-whitespace
	// characters.
	ErrTooShort = errors.New("response too short")

	// ErrNoAlphanumeric means the candidate reply contained no letter or digit
	// (e.g. punctuation-only output).
	ErrNoAlphanumeric = errors.New("response contains no alphanumeric characters")
)

// FallbackReason selects which deterministic fallback sentence to speak when a
// turn cannot produce a usable reply.
type FallbackReason int

const (
	// FallbackEmptyResponse covers validation rejections: the dependency
	// answered, but with unusable text.
	FallbackEmptyResponse FallbackReason = iota

	// FallbackTimeout covers per-attempt deadline misses and exhausted retries.
	FallbackTimeout

	// FallbackBreakerOpen covers fast-fail rejections while a breaker is open.
	FallbackBreakerOpen

	// FallbackHealthCheck covers a failed health probe of the memory service.
	FallbackHealthCheck
)

// String returns a short label for the reason, used in logs and metrics.
func (r FallbackReason) String() string {
	switch r {
	case FallbackEmptyResponse:
		return "empty_response"
	case FallbackTimeout:
		return "timeout"
	case FallbackBreakerOpen:
		return "breaker_open"
	case FallbackHealthCheck:
		return "health_check"
	default:
		return "unknown"
	}
}

// fallbackMessages maps each reason to the sentence spoken to the user.
// Every entry must itself pass [Validator.Validate]; TestFallbackMessagesValidate
// enforces this.
var fallbackMessages = map[FallbackReason]string{
	FallbackEmptyResponse: "I didn't generate a response. Could you rephrase that?",
	FallbackTimeout:       "I'm taking longer than usual to respond. Could you try that again?",
	FallbackBreakerOpen:   "My processing system needs a moment to recover. Please try again shortly.",
	FallbackHealthCheck:   "I can't connect to my processing system. Please check if the Letta server is running.",
}

// Validator rejects assistant replies that would sound broken when spoken:
// empty strings, near-empty strings, and punctuation-only output. It is
// stateless and safe for concurrent use.
type Validator struct{}

// NewValidator creates a [Validator].
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns nil when text is speakable, or one of the validation
// errors describing why it is not.
func (v *Validator) Validate(text string) error {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return ErrEmptyResponse
	}

	nonSpace := 0
	hasAlnum := false
	for _, r := range text {
		if !unicode.IsSpace(r) {
			nonSpace++
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
	}
	if nonSpace < 3 {
		return ErrTooShort
	}
	if !hasAlnum {
		return ErrNoAlphanumeric
	}
	return nil
}

// Fallback returns the deterministic user-facing sentence for reason.
// The result is never empty and always passes [Validator.Validate].
func (v *Validator) Fallback(reason FallbackReason) string {
	if msg, ok := fallbackMessages[reason]; ok {
		return msg
	}
	return fallbackMessages[FallbackEmptyResponse]
}

// FallbackFor maps a terminal turn error to the appropriate fallback reason.
func FallbackFor(err error) FallbackReason {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return FallbackBreakerOpen
	case errors.Is(err, ErrRetriesExhausted):
		return FallbackTimeout
	case errors.Is(err, ErrEmptyResponse),
		errors.Is(err, ErrTooShort),
		errors.Is(err, ErrNoAlphanumeric):
		return FallbackEmptyResponse
	default:
		return FallbackTimeout
	}
}
