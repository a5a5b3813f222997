package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrMaxIterations is returned when a run exceeds its iteration ceiling.
	ErrMaxIterations = errors.New("max iterations reached")
	// ErrEmptyPrompt is returned when a fresh run has nothing to send.
	ErrEmptyPrompt = errors.New("prompt is empty and there is no history to continue")
	// ErrSessionBusy is returned when a session already has an active run.
	ErrSessionBusy = errors.New("session already has an active run")
	// ErrNoModelClient is returned when no model client is configured.
	ErrNoModelClient = errors.New("model client is not configured")
	// ErrNotEditable is returned when an edit targets anything but a user prompt.
	ErrNotEditable = errors.New("only user prompts can be edited")
)

// ProviderError is a normalized transport or API failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	RawBody    string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.RawBody)
	if msg == "" {
		msg = strings.TrimSpace(e.Message)
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "unknown provider error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Detail returns the provider's own error message when the raw body is a
// JSON error envelope, and the full error text otherwise.
func (e *ProviderError) Detail() string {
	if e.RawBody != "" && gjson.Valid(e.RawBody) {
		if msg := gjson.Get(e.RawBody, "error.message"); msg.Exists() && msg.String() != "" {
			return msg.String()
		}
	}
	return e.Error()
}

// LoopError ends a run whose loop detector escalated to fatal.
type LoopError struct {
	Message string
}

func (e *LoopError) Error() string {
	return e.Message
}

// errorText renders an error for the transcript.
func errorText(err error) string {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Error()
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Error()
	}
	return err.Error()
}
