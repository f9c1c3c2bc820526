package commands

import "errors"

// ErrRetired is returned (possibly wrapped) by a handler whose provider has
// replaced it. The engine then resolves the command again and retries once.
var ErrRetired = errors.New("command handler was replaced")

// Handler runs a command. A returned error is logged and answered with a
// generic failure reply; the invocation still counts toward cooldowns.
type Handler interface {
	Invoke(ctx *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context) error

func (f HandlerFunc) Invoke(ctx *Context) error { return f(ctx) }

// Definition pairs a handler with its policy.
type Definition struct {
	Meta    Metadata
	Handler Handler
}

// Provider is a source of command definitions such as a directory of
// scripts or a declarative file. Load is called on Install and on every
// Reload and must return the complete current set; the engine replaces the
// provider's previous definitions with the result in one step.
type Provider interface {
	Name() string
	Load() ([]Definition, error)
}

// Committer is implemented by providers that hold resources for the
// definitions they return. Commit runs after the engine has swapped in the
// result of the latest Load, so the previous set can be released without a
// window where dispatch still resolves to it.
type Committer interface {
	Commit()
}
