// Package twitchapi contains the Twitch Helix calls the bot makes with the
// logged-in user's token: sending chat, creating EventSub subscriptions,
// looking up stream metadata and validating the token.
package twitchapi

import (
	"net"
	"strings"
)

// ClientConfig is the connection and identity configuration shared by the
// EventSub and Helix clients. AccessToken and BroadcasterID stay empty until
// login completes.
type ClientConfig struct {
	// EventSub WebSocket endpoint.
	Host string
	Port string
	Path string

	HelixHost string
	HelixPort string
	// IDHost serves /oauth2/validate. It may include a port.
	IDHost string

	ClientID      string
	AccessToken   string
	BroadcasterID string
}

// DefaultClientConfig points at the production Twitch endpoints.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:      "eventsub.wss.twitch.tv",
		Port:      "443",
		Path:      "/ws",
		HelixHost: "api.twitch.tv",
		HelixPort: "443",
		IDHost:    "id.twitch.tv",
	}
}

// Authorized reports whether the config carries the identity needed for
// authenticated calls.
func (c ClientConfig) Authorized() bool {
	return c.AccessToken != "" && c.BroadcasterID != ""
}

// HelixURL joins the Helix origin with path.
func (c ClientConfig) HelixURL(path string) string {
	return "https://" + net.JoinHostPort(c.HelixHost, c.HelixPort) + path
}

// EventSubURL is the wss:// URL of the EventSub endpoint.
func (c ClientConfig) EventSubURL() string {
	path := c.Path
	if path == "" {
		path = "/ws"
	}
	return "wss://" + net.JoinHostPort(c.Host, c.Port) + path
}

// StripOAuthPrefix removes the IRC-style "oauth:" prefix some token sources add.
func StripOAuthPrefix(token string) string {
	return strings.TrimPrefix(token, "oauth:")
}
