package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in metadata.message_type.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeNotification = "notification"
	TypeReconnect    = "session_reconnect"
	TypeRevocation   = "revocation"
)

// Metadata is the envelope header of every frame.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// Session describes the WebSocket session in welcome and reconnect frames.
type Session struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

// SubscriptionInfo identifies the subscription a notification belongs to.
type SubscriptionInfo struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Payload is the union of the payload shapes the bot reads. Event stays raw
// so each event type decodes into its own struct.
type Payload struct {
	Session      *Session          `json:"session,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
	Event        json.RawMessage   `json:"event,omitempty"`
}

// Message is one EventSub frame.
type Message struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// Parse decodes a raw frame.
func Parse(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode eventsub frame: %w", err)
	}
	return &m, nil
}

// EventType returns the subscription type of a notification, preferring the
// metadata header and falling back to the payload.
func (m *Message) EventType() string {
	if m.Metadata.SubscriptionType != "" {
		return m.Metadata.SubscriptionType
	}
	if m.Payload.Subscription != nil {
		return m.Payload.Subscription.Type
	}
	return ""
}
