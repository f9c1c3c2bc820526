package commands

import (
	"context"
	"strings"

	"github.com/onnwee/seraphbot/model"
)

// ReplyFunc sends text back to the channel the command came from.
type ReplyFunc func(text string)

// Context is handed to a handler for a single invocation and must not be
// retained after the handler returns.
type Context struct {
	// Message is the chat line that triggered the command.
	Message model.ChatMessage
	// Command is the lower-cased primary name, even when an alias was typed.
	Command string
	// Args are the tokens after the command name.
	Args []string

	ctx   context.Context
	reply ReplyFunc
}

// NewContext builds a Context. Handlers normally receive one from the
// engine; providers use this in tests.
func NewContext(ctx context.Context, msg model.ChatMessage, command string, args []string, reply ReplyFunc) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{Message: msg, Command: command, Args: args, ctx: ctx, reply: reply}
}

// Context carries the invocation deadline.
func (c *Context) Context() context.Context { return c.ctx }

// User is the sender's display name.
func (c *Context) User() string { return c.Message.User }

// Reply sends text to chat. Empty text is ignored.
func (c *Context) Reply(text string) {
	if text == "" || c.reply == nil {
		return
	}
	c.reply(text)
}

// Arg returns the i-th argument or "".
func (c *Context) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// JoinArgs joins the arguments from index i (0-based) with single spaces.
func (c *Context) JoinArgs(i int) string {
	if i < 0 {
		i = 0
	}
	if i >= len(c.Args) {
		return ""
	}
	return strings.Join(c.Args[i:], " ")
}

func (c *Context) IsBroadcaster() bool { return c.Message.IsBroadcaster() }
func (c *Context) IsModerator() bool   { return c.Message.IsModerator() }
func (c *Context) IsVIP() bool         { return c.Message.IsVIP() }
func (c *Context) IsSubscriber() bool  { return c.Message.IsSubscriber() }

// HasBadge reports whether the sender carries badge.
func (c *Context) HasBadge(badge string) bool { return c.Message.HasBadge(badge) }
