// Package commands turns prefixed chat lines into handler invocations. It
// owns the registry of native and provider-backed commands, evaluates the
// per-command policy (enabled flag, allow-list, role gates, cooldowns, usage
// cap) and records usage after every attempted run.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/seraphbot/model"
	"github.com/onnwee/seraphbot/telemetry"
)

// ErrCommandExecution wraps errors and panics raised by handlers.
var ErrCommandExecution = errors.New("command execution failed")

// Replies sent when a recognized command does not run or fails.
const (
	ReplyDisabled   = "This command is currently disabled."
	ReplyPermission = "You don't have permission to use this command."
	ReplyUsageLimit = "Command has reached its usage limit for this stream."
	ReplyFailed     = "Command execution failed"
)

const nativeSource = "native"

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// Prefix marks a chat line as a command. Default "!".
	Prefix string
	// Timeout bounds a single handler invocation through Context.Context. Default 5s.
	Timeout time.Duration
	// Now is the clock used for cooldowns. Default time.Now.
	Now func() time.Time
}

type entry struct {
	meta    Metadata
	handler Handler
	source  string
}

// Engine is the command registry and dispatcher. All methods are safe for
// concurrent use; Reload may run from a file watcher or the control server
// while chat frames are being dispatched.
type Engine struct {
	opts Options

	mu        sync.RWMutex
	prefix    string
	entries   map[string]*entry // primary name -> entry
	lookup    map[string]*entry // primary names and aliases
	providers []Provider

	cooldowns *CooldownTracker
}

// NewEngine returns an empty engine.
func NewEngine(opts Options) *Engine {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Engine{
		opts:      opts,
		prefix:    opts.Prefix,
		entries:   make(map[string]*entry),
		lookup:    make(map[string]*entry),
		cooldowns: NewCooldownTracker(opts.Now),
	}
}

func (e *Engine) logger() *slog.Logger {
	return telemetry.Logger(telemetry.WithLogLabel(context.Background(), "CommandEngine"))
}

// Prefix returns the command prefix.
func (e *Engine) Prefix() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefix
}

// SetPrefix changes the command prefix. An empty prefix is ignored.
func (e *Engine) SetPrefix(p string) {
	if p == "" {
		return
	}
	e.mu.Lock()
	e.prefix = p
	e.mu.Unlock()
}

// Cooldowns exposes the tracker, mainly for status reporting.
func (e *Engine) Cooldowns() *CooldownTracker { return e.cooldowns }

// Register adds a native command, replacing any command of the same name.
func (e *Engine) Register(meta Metadata, h Handler) error {
	if strings.TrimSpace(meta.Name) == "" {
		return errors.New("register command: empty name")
	}
	if h == nil {
		return fmt.Errorf("register command %q: nil handler", meta.Name)
	}
	meta = meta.normalized()
	e.mu.Lock()
	e.entries[meta.Name] = &entry{meta: meta, handler: h, source: nativeSource}
	e.rebuildLocked()
	e.mu.Unlock()
	e.logger().Info("registered command", slog.String("command", meta.Name))
	return nil
}

// RegisterFunc registers fn under name with default metadata.
func (e *Engine) RegisterFunc(name string, fn func(*Context) error) error {
	if fn == nil {
		return fmt.Errorf("register command %q: nil handler", name)
	}
	return e.Register(NewMetadata(name), HandlerFunc(fn))
}

// Unregister removes a command by primary name.
func (e *Engine) Unregister(name string) bool {
	name = strings.ToLower(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[name]; !ok {
		return false
	}
	delete(e.entries, name)
	e.rebuildLocked()
	return true
}

// Install loads p and registers its definitions. Installing a provider with
// the same name as an earlier one replaces it.
func (e *Engine) Install(p Provider) error {
	if err := e.load(p); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.providers {
		if existing.Name() == p.Name() {
			e.providers[i] = p
			return nil
		}
	}
	e.providers = append(e.providers, p)
	return nil
}

// Reload asks every installed provider for its current definitions and
// swaps each provider's registrations in one step. A provider that fails to
// load keeps its previous commands. It returns the number of commands now
// registered and the joined load errors.
func (e *Engine) Reload() (int, error) {
	e.mu.RLock()
	providers := append([]Provider(nil), e.providers...)
	e.mu.RUnlock()

	var errs []error
	for _, p := range providers {
		if err := e.load(p); err != nil {
			errs = append(errs, err)
		}
	}
	e.mu.RLock()
	n := len(e.entries)
	e.mu.RUnlock()
	e.logger().Info("commands reloaded", slog.Int("commands", n), slog.Int("providers", len(providers)), slog.Int("errors", len(errs)))
	return n, errors.Join(errs...)
}

func (e *Engine) load(p Provider) error {
	defs, err := p.Load()
	if err != nil {
		e.logger().Error("command provider failed to load", slog.String("provider", p.Name()), slog.Any("err", err))
		return fmt.Errorf("load %s commands: %w", p.Name(), err)
	}
	source := p.Name()

	e.mu.Lock()
	for name, ent := range e.entries {
		if ent.source == source {
			delete(e.entries, name)
		}
	}
	for _, d := range defs {
		if d.Handler == nil || strings.TrimSpace(d.Meta.Name) == "" {
			e.logger().Warn("skipping incomplete command definition", slog.String("provider", source), slog.String("command", d.Meta.Name))
			continue
		}
		meta := d.Meta.normalized()
		if prev, ok := e.entries[meta.Name]; ok && prev.source != source {
			e.logger().Warn("command name already taken", slog.String("command", meta.Name), slog.String("provider", source), slog.String("owner", prev.source))
			continue
		}
		e.entries[meta.Name] = &entry{meta: meta, handler: d.Handler, source: source}
	}
	e.rebuildLocked()
	e.mu.Unlock()

	if c, ok := p.(Committer); ok {
		c.Commit()
	}
	return nil
}

// rebuildLocked recomputes the lookup table. Primary names win over aliases.
func (e *Engine) rebuildLocked() {
	lookup := make(map[string]*entry, len(e.entries))
	for _, ent := range e.entries {
		for _, a := range ent.meta.Aliases {
			if _, taken := lookup[a]; !taken {
				lookup[a] = ent
			}
		}
	}
	for name, ent := range e.entries {
		lookup[name] = ent
	}
	e.lookup = lookup
}

// Commands returns the metadata of every registered command sorted by name.
func (e *Engine) Commands() []Metadata {
	e.mu.RLock()
	out := make([]Metadata, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent.meta)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a name or alias (case-insensitive).
func (e *Engine) Lookup(name string) (Metadata, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.lookup[strings.ToLower(name)]
	if !ok {
		return Metadata{}, false
	}
	return ent.meta, true
}

// ResetStreamCounters clears per-stream usage counts.
func (e *Engine) ResetStreamCounters() {
	e.cooldowns.ResetStreamCounters()
	e.logger().Info("stream usage counters reset")
}

// ParseAndExecute runs the command named by msg, if any. It returns false
// when the text lacks the prefix, has no tokens or names no registered
// command; in those cases nothing else happens. Otherwise it returns true,
// whether the command ran, was refused by policy, or failed.
func (e *Engine) ParseAndExecute(msg model.ChatMessage, reply ReplyFunc) bool {
	prefix := e.Prefix()
	if !strings.HasPrefix(msg.Text, prefix) {
		return false
	}
	tokens := Tokenize(msg.Text[len(prefix):])
	if len(tokens) == 0 {
		return false
	}
	typed := strings.ToLower(tokens[0])

	e.mu.RLock()
	ent, ok := e.lookup[typed]
	e.mu.RUnlock()
	if !ok {
		e.logger().Debug("unknown command", slog.String("command", typed), slog.String("user", msg.User))
		return false
	}
	meta := ent.meta
	log := e.logger().With(slog.String("command", meta.Name), slog.String("user", msg.User))
	reply = guardReply(reply, prefix, log)

	if refusal := e.check(meta, msg); refusal != "" {
		log.Info("command refused", slog.String("reason", refusal))
		telemetry.CountCommand(meta.Name, "refused")
		if reply != nil {
			reply(refusal)
		}
		return true
	}

	log.Info("executing command", slog.Int("args", len(tokens)-1))
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	defer cancel()
	cctx := NewContext(ctx, msg, meta.Name, tokens[1:], reply)

	var err error
	telemetry.TimeFunc(telemetry.CommandDuration, func() {
		err = invoke(ent.handler, cctx)
		if errors.Is(err, ErrRetired) {
			// A reload landed between lookup and invoke.
			e.mu.RLock()
			next, ok := e.lookup[typed]
			e.mu.RUnlock()
			if ok && next != ent {
				log.Debug("handler replaced during dispatch, retrying")
				err = invoke(next.handler, cctx)
			}
		}
	})
	e.cooldowns.Record(meta.Name, msg.User)

	if err != nil {
		log.Error("command failed", slog.Any("err", err))
		telemetry.CountCommand(meta.Name, "error")
		cctx.Reply(ReplyFailed)
		return true
	}
	telemetry.CountCommand(meta.Name, "ok")
	return true
}

// guardReply drops replies that start with the command prefix. Replies are
// posted as the broadcaster and echo back through chat, where they would be
// dispatched again with broadcaster badges.
func guardReply(reply ReplyFunc, prefix string, log *slog.Logger) ReplyFunc {
	if reply == nil {
		return nil
	}
	return func(text string) {
		if strings.HasPrefix(strings.TrimSpace(text), prefix) {
			log.Warn("dropping reply that starts with the command prefix", slog.String("reply", text))
			return
		}
		reply(text)
	}
}

// check applies the policy in order and returns the refusal reply, or "".
func (e *Engine) check(meta Metadata, msg model.ChatMessage) string {
	if !meta.Enabled {
		return ReplyDisabled
	}
	if !meta.Allows(msg) {
		return ReplyPermission
	}
	if left := e.cooldowns.Remaining(meta.Name, msg.User, meta); left > 0 {
		return fmt.Sprintf("Command is on cooldown (%ds remaining).", int(math.Ceil(left.Seconds())))
	}
	if meta.Capped() && e.cooldowns.Uses(meta.Name) >= meta.MaxUsesPerStream {
		return ReplyUsageLimit
	}
	return ""
}

func invoke(h Handler, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCommandExecution, r)
		}
	}()
	if err := h.Invoke(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandExecution, err)
	}
	return nil
}
