package server

import (
	"context"
	"time"

	"github.com/onnwee/seraphbot/chat"
	"github.com/onnwee/seraphbot/commands"
	"github.com/onnwee/seraphbot/db"
	"github.com/onnwee/seraphbot/model"
)

// Session is the slice of *chat.Service the control API drives.
type Session interface {
	State() chat.ConnectionState
	LastStatus() string
	CurrentUser() string
	SessionID() string
	ConnectedSince() time.Time

	StartLogin() error
	RestoreSession(ctx context.Context) error
	ConnectToChat(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	Send(ctx context.Context, text string) (string, error)
}

// Commands is the slice of *commands.Engine the control API exposes.
type Commands interface {
	Commands() []commands.Metadata
	Reload() (int, error)
	Prefix() string
	SetPrefix(p string)
}

// Feed is the live chat source; *appstate.State implements it.
type Feed interface {
	Recent(n int) []model.ChatMessage
	Subscribe(buf int) (<-chan model.ChatMessage, func())
	PendingMessageCount() int
}

// Store is the persistence the control API reads; *db.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	RecentChatMessages(ctx context.Context, limit int) ([]db.ArchivedMessage, error)
	CountChatMessages(ctx context.Context) (int64, error)
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	session  Session
	commands Commands
	feed     Feed
	store    Store
	started  time.Time

	// connectTimeout bounds session calls that outlive the request.
	connectTimeout time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(opts Options) *Handlers {
	return &Handlers{
		session:        opts.Session,
		commands:       opts.Commands,
		feed:           opts.Feed,
		store:          opts.Store,
		started:        time.Now(),
		connectTimeout: 30 * time.Second,
	}
}
