// Package prompt composes the ordered turn list submitted to the
// completion service for one question.
package prompt

import "github.com/ent0n29/kadenbot/internal/history"

// Assembler builds completion requests from a system prompt, stored channel
// history and the new question. It is a pure composer and never touches the
// history store.
type Assembler struct {
	// MaxHistory is the channel retention limit. One slot is always
	// reserved for the new user turn, so at most MaxHistory-1 stored turns
	// are included in a request. The system prompt does not count toward
	// this budget.
	MaxHistory int
}

// Build returns the turns for one completion request: system prompt first
// when non-empty, then the most recent window of history, then the new user
// turn last.
func (a Assembler) Build(systemPrompt string, hist []history.Turn, question string) []history.Turn {
	window := a.MaxHistory - 1
	if window < 0 {
		window = 0
	}
	if len(hist) > window {
		hist = hist[len(hist)-window:]
	}

	out := make([]history.Turn, 0, len(hist)+2)
	if systemPrompt != "" {
		out = append(out, history.Turn{Role: history.RoleSystem, Content: systemPrompt})
	}
	out = append(out, hist...)
	out = append(out, history.Turn{Role: history.RoleUser, Content: question})
	return out
}
