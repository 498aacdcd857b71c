// Package dispatch routes inbound messages to the presence-lookup or
// completion path and owns the per-channel round-trip locking around the
// history store.
package dispatch

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/kadenbot/internal/completion"
	"github.com/ent0n29/kadenbot/internal/history"
	"github.com/ent0n29/kadenbot/internal/observability"
	"github.com/ent0n29/kadenbot/internal/platform"
	"github.com/ent0n29/kadenbot/internal/prompt"
	"github.com/ent0n29/kadenbot/internal/transcript"
)

// Outcome is the terminal state of handling one inbound message.
type Outcome string

const (
	OutcomeIgnored           Outcome = "ignored"
	OutcomePresenceReplied   Outcome = "presence_replied"
	OutcomeCompletionReplied Outcome = "completion_replied"
	OutcomeCompletionFailed  Outcome = "completion_failed"
)

const (
	replyNoQuestion   = "You mentioned me, but didn't ask a question!"
	replyRateLimited  = "Sorry, I'm a bit busy right now with the AI. Please try again in a moment."
	replyConnection   = "Sorry, I couldn't connect to the AI service. Please try again later."
	replyAuthIssue    = "Sorry, there's an authentication issue with the AI service."
	replyServiceDown  = "Sorry, the AI service is having internal issues. Please try again later."
	replyServiceIssue = "Sorry, there was an issue communicating with the AI service. Please try again later."
	replyUnexpected   = "Sorry, something went wrong processing your request with the AI. Please try again later."
	replyEmptyAnswer  = "Sorry, I received an empty response from the AI."
	replyNobodyOnline = "It seems no users are currently online (or I couldn't see them)."
	presenceHeader    = "Here are the members currently online:"
	truncationMarker  = "..."
)

var presenceKeywords = []string{
	"who's online",
	"who is online",
	"online members",
	"members online",
	"list online",
}

// Config holds dispatcher behavior settings.
type Config struct {
	SystemPrompt    string
	PresenceCommand string
	ReplyCharLimit  int
}

// Dispatcher classifies inbound messages and drives the presence and
// completion paths.
type Dispatcher struct {
	cfg       Config
	store     *history.Store
	assembler prompt.Assembler
	completer completion.Service
	replier   platform.Replier
	presence  platform.PresenceLister
	recorder  transcript.Recorder
	metrics   *observability.Metrics
	botID     func() string

	mu           sync.Mutex
	channelLocks map[string]*sync.Mutex
}

// New wires a dispatcher. botID resolves the bot's own user ID; it may
// return empty until the gateway has identified.
func New(
	cfg Config,
	store *history.Store,
	completer completion.Service,
	replier platform.Replier,
	presence platform.PresenceLister,
	recorder transcript.Recorder,
	metrics *observability.Metrics,
	botID func() string,
) *Dispatcher {
	if cfg.PresenceCommand == "" {
		cfg.PresenceCommand = "!online"
	}
	if cfg.ReplyCharLimit <= 0 {
		cfg.ReplyCharLimit = platform.ReplyCharLimit
	}
	if recorder == nil {
		recorder = transcript.NoopRecorder{}
	}
	return &Dispatcher{
		cfg:          cfg,
		store:        store,
		assembler:    prompt.Assembler{MaxHistory: store.MaxTurns()},
		completer:    completer,
		replier:      replier,
		presence:     presence,
		recorder:     recorder,
		metrics:      metrics,
		botID:        botID,
		channelLocks: make(map[string]*sync.Mutex),
	}
}

// Handle classifies one message and runs its path to a terminal outcome.
// Failures never propagate; every message ends in exactly one outcome.
func (d *Dispatcher) Handle(ctx context.Context, msg platform.InboundMessage) Outcome {
	outcome := d.handle(ctx, msg)
	d.metrics.MessagesHandled.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, msg platform.InboundMessage) Outcome {
	botID := d.botID()
	if msg.AuthorID == botID || msg.GuildID == "" {
		return OutcomeIgnored
	}

	if d.isPresenceQuery(msg, botID) {
		return d.handlePresence(ctx, msg)
	}

	if !msg.MentionsBot {
		return OutcomeIgnored
	}

	question := stripMentions(msg.Content, botID)
	if question == "" {
		log.Printf("dispatch: empty question from %s after stripping mention", msg.AuthorID)
		d.metrics.CompletionErrors.WithLabelValues("empty_question").Inc()
		d.reply(ctx, msg.ChannelID, replyNoQuestion)
		return OutcomeCompletionFailed
	}

	return d.handleCompletion(ctx, msg, question)
}

func (d *Dispatcher) handlePresence(ctx context.Context, msg platform.InboundMessage) Outcome {
	names := d.presence.ListPresentMembers(msg.GuildID)

	text := replyNobodyOnline
	if len(names) > 0 {
		text = presenceHeader + "\n- " + strings.Join(names, "\n- ")
	}
	d.reply(ctx, msg.ChannelID, d.truncate(text))
	return OutcomePresenceReplied
}

func (d *Dispatcher) handleCompletion(ctx context.Context, msg platform.InboundMessage, question string) Outcome {
	lock := d.channelLock(msg.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	hist := d.store.Get(msg.ChannelID)
	turns := d.assembler.Build(d.cfg.SystemPrompt, hist, question)

	if err := d.replier.Typing(ctx, msg.ChannelID); err != nil {
		log.Printf("dispatch: typing indicator for channel %s: %v", msg.ChannelID, err)
	}

	started := time.Now()
	answer, err := d.completer.Complete(ctx, turns)
	d.metrics.ObserveCompletionLatency(time.Since(started))
	if err != nil {
		log.Printf("dispatch: completion failed for channel %s: %v", msg.ChannelID, err)
		kind, apology := classifyCompletionError(err)
		d.metrics.CompletionErrors.WithLabelValues(kind).Inc()
		d.reply(ctx, msg.ChannelID, apology)
		return OutcomeCompletionFailed
	}

	if strings.TrimSpace(answer) == "" {
		log.Printf("dispatch: empty completion reply for channel %s", msg.ChannelID)
		d.metrics.CompletionErrors.WithLabelValues("empty_reply").Inc()
		d.reply(ctx, msg.ChannelID, replyEmptyAnswer)
		return OutcomeCompletionFailed
	}

	userTurn := history.Turn{Role: history.RoleUser, Content: question}
	assistantTurn := history.Turn{Role: history.RoleAssistant, Content: answer}
	d.store.Append(msg.ChannelID, userTurn, assistantTurn)
	d.metrics.ActiveChannels.Set(float64(d.store.ChannelCount()))

	if err := d.recorder.Record(ctx, msg.ChannelID, []history.Turn{userTurn, assistantTurn}); err != nil {
		log.Printf("dispatch: transcript record for channel %s: %v", msg.ChannelID, err)
	}

	// History keeps the full text; only the outbound copy is truncated.
	d.reply(ctx, msg.ChannelID, d.truncate(answer))
	return OutcomeCompletionReplied
}

func (d *Dispatcher) isPresenceQuery(msg platform.InboundMessage, botID string) bool {
	content := strings.ToLower(strings.TrimSpace(msg.Content))
	if strings.HasPrefix(content, strings.ToLower(d.cfg.PresenceCommand)) {
		return true
	}
	if !msg.MentionsBot {
		return false
	}
	question := strings.ToLower(stripMentions(msg.Content, botID))
	for _, keyword := range presenceKeywords {
		if strings.Contains(question, keyword) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) reply(ctx context.Context, channelID, text string) {
	if err := d.replier.Reply(ctx, channelID, text); err != nil {
		d.metrics.DeliveryFailures.Inc()
		log.Printf("dispatch: reply delivery failed: %v", err)
	}
}

func (d *Dispatcher) truncate(text string) string {
	out, truncated := truncateReply(text, d.cfg.ReplyCharLimit)
	if truncated {
		d.metrics.RepliesTruncated.Inc()
		log.Printf("dispatch: reply length %d exceeds limit %d, truncating", len([]rune(text)), d.cfg.ReplyCharLimit)
	}
	return out
}

func (d *Dispatcher) channelLock(channelID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		d.channelLocks[channelID] = lock
	}
	return lock
}

// stripMentions removes the bot's mention tokens from message content to
// derive the question.
func stripMentions(content, botID string) string {
	mention := "<@" + botID + ">"
	mentionNick := "<@!" + botID + ">"

	switch {
	case strings.HasPrefix(content, mention):
		content = content[len(mention):]
	case strings.HasPrefix(content, mentionNick):
		content = content[len(mentionNick):]
	default:
		content = strings.ReplaceAll(content, mention, "")
		content = strings.ReplaceAll(content, mentionNick, "")
	}
	return strings.TrimSpace(content)
}

// truncateReply shortens text to the platform limit, appending a marker
// when anything was cut.
func truncateReply(text string, limit int) (string, bool) {
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit-4]) + truncationMarker, true
}

func classifyCompletionError(err error) (kind, apology string) {
	var statusErr *completion.StatusError
	switch {
	case errors.Is(err, completion.ErrRateLimited):
		return "rate_limited", replyRateLimited
	case errors.Is(err, completion.ErrConnectionFailed):
		return "connection_failed", replyConnection
	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusUnauthorized {
			return "status", replyAuthIssue
		}
		if statusErr.Code >= 500 {
			return "status", replyServiceDown
		}
		return "status", replyServiceIssue
	default:
		return "unexpected", replyUnexpected
	}
}
