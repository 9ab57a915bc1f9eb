// Package llm is the bridge to the external generation service. One Client
// serves both reply generation and memory summarization; callers vary the
// request parameters.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable marks transient upstream failures. Callers may retry once;
// anything else is treated as permanent for the current turn.
var ErrUnavailable = errors.New("generation service unavailable")

// Request is a normalized completion request.
type Request struct {
	System      string  `json:"system"`
	User        string  `json:"input"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is the final text after streaming completes.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments as they arrive.
type DeltaHandler func(delta string) error

// Client produces completions. Implementations must respect ctx and return
// ctx errors unwrapped so cancellation is distinguishable from upstream
// failure.
type Client interface {
	Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls client construction.
type Config struct {
	Mode   string
	URL    string
	APIKey string
}

// NewClient builds a client by mode. "auto" picks HTTP when a URL is
// configured and the deterministic mock otherwise.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPClient(cfg.URL, cfg.APIKey), nil
		}
		return NewMockClient(), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("generation URL is required for http mode")
		}
		return NewHTTPClient(cfg.URL, cfg.APIKey), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported generation client mode %q", cfg.Mode)
	}
}
