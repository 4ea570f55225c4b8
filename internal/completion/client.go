// Package completion talks to OpenAI-compatible chat completion endpoints.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/reliability"
)

// DeltaHandler receives streaming text fragments. Returning an error stops the stream.
type DeltaHandler func(delta string) error

// Response is the final result after streaming deltas.
type Response struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Client produces completions for an assembled prompt.
type Client interface {
	StreamComplete(ctx context.Context, prompt chat.Prompt, cfg chat.AIConfig, onDelta DeltaHandler) (Response, error)
	Complete(ctx context.Context, prompt chat.Prompt, cfg chat.AIConfig) (Response, error)
}

// Failure is the single error shape for anything that goes wrong while talking
// to the provider.
type Failure struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("completion %s: status %d: %v", f.Op, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("completion %s: %v", f.Op, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(op string, status int, err error) *Failure {
	retryable := reliability.IsRetryableHTTPStatus(status)
	if status == 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) && op == "send" {
		retryable = true
	}
	return &Failure{Op: op, StatusCode: status, Retryable: retryable, Err: err}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Config controls client construction.
type Config struct {
	Mode       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "openai"
	}

	switch mode {
	case "openai":
		return NewHTTPClient(cfg), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}
