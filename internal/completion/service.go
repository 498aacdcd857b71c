// Package completion abstracts the LLM chat-completion API behind a small
// interface with a closed failure taxonomy, so callers can map each outcome
// to a distinct user-visible reply.
package completion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/kadenbot/internal/history"
)

// Service produces an assistant reply for an ordered list of turns.
type Service interface {
	Complete(ctx context.Context, turns []history.Turn) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewService builds the configured completion adapter. In auto mode the
// OpenAI-compatible HTTP adapter is used when an API key is present, and
// the deterministic mock otherwise.
func NewService(cfg Config) (Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIAdapter(cfg), nil
		}
		log.Printf("completion: no API key configured, using mock adapter")
		return NewMockAdapter(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("completion API key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}
