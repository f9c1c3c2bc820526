// Package chat is the orchestrator that decides whether the bot is usable.
//
// A Service walks the connection state machine
//
//	Disconnected -> LoggingIn -> LoggedIn -> ConnectingToChat -> ChatConnected
//
// with Error reachable from any transition and Disconnect valid from every
// state. It owns the per-connection EventSub client and Helix client, turns
// inbound notification frames into model.ChatMessage values for the message
// handler, and rate limits outbound chat.
//
// Transitions are guarded: an operation invoked from the wrong state is
// logged and rejected with ErrInvalidState rather than queued. Frames are
// handled on the read-loop goroutine, one at a time, in arrival order.
package chat
