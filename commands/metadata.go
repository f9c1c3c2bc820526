package commands

import (
	"strings"
	"time"

	"github.com/onnwee/seraphbot/model"
)

// Unlimited is the MaxUsesPerStream value that disables the usage cap.
const Unlimited = -1

// Metadata is the policy attached to one command. Providers fill it from
// their source files; the engine owns it once registered.
type Metadata struct {
	Name        string
	Description string
	Usage       string
	Aliases     []string

	GlobalCooldown  time.Duration
	CommandCooldown time.Duration
	UserCooldown    time.Duration

	ModOnly        bool
	VIPOnly        bool
	SubscriberOnly bool
	// AllowedUsers bypass every role gate.
	AllowedUsers []string

	Enabled bool
	// MaxUsesPerStream caps invocations between ResetStreamCounters calls.
	// Values <= 0 mean no cap.
	MaxUsesPerStream int
}

// NewMetadata returns enabled, uncapped metadata for name.
func NewMetadata(name string) Metadata {
	return Metadata{
		Name:             name,
		Usage:            "!" + strings.ToLower(name),
		Enabled:          true,
		MaxUsesPerStream: Unlimited,
	}
}

// normalized lower-cases the name and aliases, drops blank or duplicate
// aliases and fills a missing usage string.
func (m Metadata) normalized() Metadata {
	m.Name = strings.ToLower(strings.TrimSpace(m.Name))
	seen := map[string]bool{m.Name: true}
	aliases := make([]string, 0, len(m.Aliases))
	for _, a := range m.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		aliases = append(aliases, a)
	}
	m.Aliases = aliases
	if m.Usage == "" {
		m.Usage = "!" + m.Name
	}
	return m
}

// Capped reports whether a usage cap applies.
func (m Metadata) Capped() bool { return m.MaxUsesPerStream > 0 }

// Allows reports whether msg's sender may run the command. Users on the
// allow-list skip the role gates; otherwise every enabled gate must pass,
// with broadcaster satisfying moderator, moderator satisfying vip and vip
// satisfying subscriber.
func (m Metadata) Allows(msg model.ChatMessage) bool {
	for _, u := range m.AllowedUsers {
		if strings.EqualFold(u, msg.User) {
			return true
		}
	}
	if m.ModOnly && !msg.IsModerator() {
		return false
	}
	if m.VIPOnly && !msg.IsVIP() {
		return false
	}
	if m.SubscriberOnly && !msg.IsSubscriber() {
		return false
	}
	return true
}
