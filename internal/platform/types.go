// Package platform connects the bot to the messaging platform: a websocket
// gateway for inbound events, a REST client for outbound replies, and a
// presence roster fed by gateway events.
package platform

import (
	"context"
	"fmt"
)

// InboundMessage is one gateway message normalized for dispatch.
type InboundMessage struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	Content     string
	MentionsBot bool
}

// Replier delivers outbound text to a channel. Callers must truncate text
// to the platform limit before calling Reply.
type Replier interface {
	Reply(ctx context.Context, channelID, text string) error
	Typing(ctx context.Context, channelID string) error
}

// PresenceLister reports display names of non-bot members currently active
// (online, idle or dnd) in a guild.
type PresenceLister interface {
	ListPresentMembers(guildID string) []string
}

// DeliveryError reports a failed outbound reply.
type DeliveryError struct {
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reply to channel %s: %v", e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
