// Package model holds the chat data types shared by every layer of the bot.
package model

import "strings"

// SystemUser is the author shown for messages synthesized by the bot itself
// (ad breaks, chat clears, stream status changes).
const SystemUser = "System"

// SystemColor is the display color for SystemUser messages.
const SystemColor = "#AAAAAA"

// Badge set ids used by the command policy.
const (
	BadgeBroadcaster = "broadcaster"
	BadgeModerator   = "moderator"
	BadgeVIP         = "vip"
	BadgeSubscriber  = "subscriber"
	BadgeFounder     = "founder"
)

// ChatMessage is a normalized chat line. It is immutable once created and
// is copied between goroutines by value.
type ChatMessage struct {
	User  string
	Text  string
	Color string
	// Badges holds the EventSub badge set ids (e.g. "moderator").
	Badges []string
}

// SystemMessage builds a ChatMessage authored by SystemUser.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{User: SystemUser, Text: text, Color: SystemColor}
}

// IsSystem reports whether the message was synthesized locally.
func (m ChatMessage) IsSystem() bool { return m.User == SystemUser }

// HasBadge reports whether the sender carries the badge set id (case-insensitive).
func (m ChatMessage) HasBadge(id string) bool {
	for _, b := range m.Badges {
		if strings.EqualFold(b, id) {
			return true
		}
	}
	return false
}

// IsBroadcaster reports whether the sender owns the channel.
func (m ChatMessage) IsBroadcaster() bool { return m.HasBadge(BadgeBroadcaster) }

// IsModerator is true for moderators and the broadcaster.
func (m ChatMessage) IsModerator() bool {
	return m.IsBroadcaster() || m.HasBadge(BadgeModerator)
}

// IsVIP is true for VIPs and anyone above them.
func (m ChatMessage) IsVIP() bool { return m.IsModerator() || m.HasBadge(BadgeVIP) }

// IsSubscriber is true for subscribers (founders count) and anyone above VIP.
func (m ChatMessage) IsSubscriber() bool {
	return m.IsVIP() || m.HasBadge(BadgeSubscriber) || m.HasBadge(BadgeFounder)
}
