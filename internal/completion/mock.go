package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/kadenbot/internal/history"
)

// MockAdapter provides deterministic local replies when no completion API
// is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, turns []history.Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	question := ""
	remembered := 0
	for _, turn := range turns {
		switch turn.Role {
		case history.RoleUser:
			question = turn.Content
			remembered++
		case history.RoleAssistant:
			remembered++
		}
	}
	// The new question itself is the last user turn, not remembered context.
	if remembered > 0 {
		remembered--
	}

	question = strings.TrimSpace(question)
	if question == "" {
		question = "nothing"
	}
	if remembered == 0 {
		return fmt.Sprintf("You asked: %s", question), nil
	}
	return fmt.Sprintf("You asked: %s (I remember %d earlier turns here)", question, remembered), nil
}
