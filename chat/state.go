package chat

import "fmt"

// ConnectionState is the orchestrator state visible to the UI.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	LoggingIn
	LoggedIn
	ConnectingToChat
	ChatConnected
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case ConnectingToChat:
		return "connecting_to_chat"
	case ChatConnected:
		return "chat_connected"
	case Error:
		return "error"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}
