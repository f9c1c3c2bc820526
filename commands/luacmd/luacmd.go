// Package luacmd loads chat commands from Lua files. Each file returns a
// table with a name, an execute function and optional policy fields:
//
//	return {
//	  name = "hello",
//	  aliases = {"hi"},
//	  user_cooldown = 10,
//	  execute = function(ctx, args)
//	    ctx:reply("Hello, " .. ctx:getUser() .. "!")
//	  end,
//	}
//
// Every file runs in its own interpreter so a reload can replace one set of
// states with another without touching commands that are mid-flight.
package luacmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/onnwee/seraphbot/commands"
	"github.com/onnwee/seraphbot/telemetry"
)

// ProviderName is the registration source used by the engine.
const ProviderName = "lua"

// ErrUnloaded is returned when a handler runs after its file was reloaded.
var ErrUnloaded = fmt.Errorf("lua command was unloaded: %w", commands.ErrRetired)

// Provider serves every *.lua file in a directory.
type Provider struct {
	dir string

	mu       sync.Mutex
	handlers []*handler
	pending  []*handler
	staged   bool
}

// New returns a provider for dir. Nothing is read until Load.
func New(dir string) *Provider {
	return &Provider{dir: dir}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) logger() *slog.Logger {
	return telemetry.Logger(telemetry.WithLogLabel(context.Background(), "LuaCommands"))
}

// Load parses every Lua file in the directory. Files that fail to parse are
// logged and skipped; the rest still load. A missing directory yields no
// commands. The new interpreters are staged; the previous ones stay live
// until Commit.
func (p *Provider) Load() ([]commands.Definition, error) {
	log := p.logger().With(slog.String("dir", p.dir))
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("lua command directory does not exist")
			p.stage(nil)
			return nil, nil
		}
		return nil, fmt.Errorf("read lua command dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".lua") {
			files = append(files, filepath.Join(p.dir, e.Name()))
		}
	}
	sort.Strings(files)

	defs := make([]commands.Definition, 0, len(files))
	handlers := make([]*handler, 0, len(files))
	for _, path := range files {
		h, meta, err := loadFile(path)
		if err != nil {
			log.Error("failed to load lua command", slog.String("file", path), slog.Any("err", err))
			continue
		}
		handlers = append(handlers, h)
		defs = append(defs, commands.Definition{Meta: meta, Handler: h})
		log.Debug("loaded lua command", slog.String("command", meta.Name), slog.String("file", path))
	}
	p.stage(handlers)
	log.Info("lua commands loaded", slog.Int("loaded", len(defs)), slog.Int("files", len(files)))
	return defs, nil
}

// stage holds next until Commit. A set staged by an earlier Load that was
// never committed is discarded.
func (p *Provider) stage(next []*handler) {
	p.mu.Lock()
	stale := p.pending
	p.pending, p.staged = next, true
	p.mu.Unlock()
	closeAll(stale)
}

// Commit makes the staged set current and closes the interpreters it
// replaces. The engine calls it once the new registrations are visible.
func (p *Provider) Commit() {
	p.mu.Lock()
	if !p.staged {
		p.mu.Unlock()
		return
	}
	prev := p.handlers
	p.handlers, p.pending, p.staged = p.pending, nil, false
	p.mu.Unlock()
	closeAll(prev)
}

// Close releases every interpreter.
func (p *Provider) Close() error {
	p.mu.Lock()
	cur, pending := p.handlers, p.pending
	p.handlers, p.pending, p.staged = nil, nil, false
	p.mu.Unlock()
	closeAll(cur)
	closeAll(pending)
	return nil
}

func closeAll(hs []*handler) {
	for _, h := range hs {
		h.close()
	}
}

// handler owns one interpreter. gopher-lua states are not goroutine safe,
// so invocations are serialized per file.
type handler struct {
	path string

	mu     sync.Mutex
	L      *lua.LState
	fn     *lua.LFunction
	closed bool
}

func (h *handler) Invoke(ctx *commands.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrUnloaded
	}
	h.L.SetContext(ctx.Context())
	defer h.L.RemoveContext()

	args := h.L.NewTable()
	for _, a := range ctx.Args {
		args.Append(lua.LString(a))
	}
	if err := h.L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, newContextValue(h.L, ctx), args); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(h.path), err)
	}
	return nil
}

func (h *handler) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.L.Close()
	}
}
