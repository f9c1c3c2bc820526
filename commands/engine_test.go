package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/seraphbot/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *recorder) reply(text string) {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewEngine(Options{Now: clock.Now}), clock
}

func msg(user, text string, badges ...string) model.ChatMessage {
	return model.ChatMessage{User: user, Text: text, Badges: badges}
}

// counting registers a command that counts its invocations.
func counting(t *testing.T, e *Engine, meta Metadata) *int {
	t.Helper()
	calls := new(int)
	require.NoError(t, e.Register(meta, HandlerFunc(func(*Context) error {
		*calls++
		return nil
	})))
	return calls
}

func TestNonPrefixedTextIsIgnored(t *testing.T) {
	e, _ := newTestEngine(t)
	calls := counting(t, e, NewMetadata("ping"))

	for _, text := range []string{"ping", " !ping", "hello !ping", "", "?ping"} {
		assert.False(t, e.ParseAndExecute(msg("alice", text), nil), text)
	}
	assert.Zero(t, *calls)
}

func TestPrefixOnlyAndUnknownCommands(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &recorder{}
	assert.False(t, e.ParseAndExecute(msg("alice", "!"), rec.reply))
	assert.False(t, e.ParseAndExecute(msg("alice", "!   "), rec.reply))
	assert.False(t, e.ParseAndExecute(msg("alice", "!nosuch arg"), rec.reply))
	assert.Empty(t, rec.replies)
}

func TestCaseInsensitiveLookup(t *testing.T) {
	e, _ := newTestEngine(t)
	calls := counting(t, e, NewMetadata("Foo"))

	assert.True(t, e.ParseAndExecute(msg("a", "!FOO"), nil))
	assert.True(t, e.ParseAndExecute(msg("a", "!foo"), nil))
	assert.True(t, e.ParseAndExecute(msg("a", "!fOo"), nil))
	assert.Equal(t, 3, *calls)

	_, ok := e.Lookup("FOO")
	assert.True(t, ok)
}

func TestAliasesShareMetadataAndCounters(t *testing.T) {
	e, _ := newTestEngine(t)
	meta := NewMetadata("discord")
	meta.Aliases = []string{"DC", "dc", " ", "disc"}
	meta.MaxUsesPerStream = 2
	var seen []string
	require.NoError(t, e.Register(meta, HandlerFunc(func(ctx *Context) error {
		seen = append(seen, ctx.Command)
		return nil
	})))

	got, ok := e.Lookup("dc")
	require.True(t, ok)
	assert.Equal(t, []string{"dc", "disc"}, got.Aliases)

	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("a", "!dc"), rec.reply))
	assert.True(t, e.ParseAndExecute(msg("b", "!DISC"), rec.reply))
	assert.True(t, e.ParseAndExecute(msg("c", "!discord"), rec.reply))
	assert.Equal(t, []string{"discord", "discord"}, seen)
	assert.Equal(t, ReplyUsageLimit, rec.last())
}

func TestArgsAndReply(t *testing.T) {
	e, _ := newTestEngine(t)
	var got *Context
	require.NoError(t, e.RegisterFunc("echo", func(ctx *Context) error {
		got = ctx
		ctx.Reply(ctx.User() + ": " + ctx.JoinArgs(0))
		return nil
	}))
	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("alice", `!echo "hello world" done`), rec.reply))
	require.NotNil(t, got)
	assert.Equal(t, []string{"hello world", "done"}, got.Args)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, "done", got.JoinArgs(1))
	assert.Equal(t, "", got.JoinArgs(5))
	assert.Equal(t, "", got.Arg(9))
	assert.Equal(t, []string{"alice: hello world done"}, rec.replies)
	_, hasDeadline := got.Context().Deadline()
	assert.True(t, hasDeadline)
}

func TestCustomPrefix(t *testing.T) {
	e := NewEngine(Options{Prefix: "?"})
	calls := counting(t, e, NewMetadata("ping"))
	assert.False(t, e.ParseAndExecute(msg("a", "!ping"), nil))
	assert.True(t, e.ParseAndExecute(msg("a", "?ping"), nil))
	e.SetPrefix("$$")
	assert.True(t, e.ParseAndExecute(msg("a", "$$ping"), nil))
	assert.Equal(t, 2, *calls)
}

func TestDisabledCommand(t *testing.T) {
	e, _ := newTestEngine(t)
	meta := NewMetadata("off")
	meta.Enabled = false
	calls := counting(t, e, meta)
	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("a", "!off", model.BadgeBroadcaster), rec.reply))
	assert.Zero(t, *calls)
	assert.Equal(t, ReplyDisabled, rec.last())
}

func TestRoleGates(t *testing.T) {
	tests := []struct {
		name   string
		gate   func(*Metadata)
		badges []string
		user   string
		want   bool
	}{
		{"moderator passes vip gate", func(m *Metadata) { m.VIPOnly = true }, []string{"moderator"}, "mod", true},
		{"subscriber fails mod gate", func(m *Metadata) { m.ModOnly = true }, []string{"subscriber"}, "sub", false},
		{"broadcaster passes mod gate", func(m *Metadata) { m.ModOnly = true }, []string{"broadcaster"}, "owner", true},
		{"vip passes subscriber gate", func(m *Metadata) { m.SubscriberOnly = true }, []string{"vip"}, "vip", true},
		{"founder passes subscriber gate", func(m *Metadata) { m.SubscriberOnly = true }, []string{"founder"}, "f", true},
		{"no badges fails subscriber gate", func(m *Metadata) { m.SubscriberOnly = true }, nil, "pleb", false},
		{"subscriber fails vip gate", func(m *Metadata) { m.VIPOnly = true }, []string{"subscriber"}, "sub", false},
		{"allow-list bypasses mod gate", func(m *Metadata) { m.ModOnly = true; m.AllowedUsers = []string{"Friend"} }, nil, "friend", true},
		{"allow-list bypasses every gate", func(m *Metadata) {
			m.ModOnly, m.VIPOnly, m.SubscriberOnly = true, true, true
			m.AllowedUsers = []string{"friend"}
		}, nil, "friend", true},
		{"allow-list does not admit others", func(m *Metadata) { m.ModOnly = true; m.AllowedUsers = []string{"friend"} }, nil, "stranger", false},
		{"ungated", func(*Metadata) {}, nil, "anyone", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			meta := NewMetadata("gated")
			tc.gate(&meta)
			calls := counting(t, e, meta)
			rec := &recorder{}
			assert.True(t, e.ParseAndExecute(msg(tc.user, "!gated", tc.badges...), rec.reply))
			if tc.want {
				assert.Equal(t, 1, *calls)
				assert.Empty(t, rec.replies)
			} else {
				assert.Zero(t, *calls)
				assert.Equal(t, ReplyPermission, rec.last())
			}
		})
	}
}

func TestCommandCooldown(t *testing.T) {
	e, clock := newTestEngine(t)
	meta := NewMetadata("hug")
	meta.CommandCooldown = 10 * time.Second
	calls := counting(t, e, meta)
	rec := &recorder{}

	assert.True(t, e.ParseAndExecute(msg("alice", "!hug"), rec.reply))
	clock.Advance(3 * time.Second)
	assert.True(t, e.ParseAndExecute(msg("bob", "!hug"), rec.reply))
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "Command is on cooldown (7s remaining).", rec.last())

	clock.Advance(7 * time.Second)
	assert.True(t, e.ParseAndExecute(msg("bob", "!hug"), rec.reply))
	assert.Equal(t, 2, *calls)
}

func TestUserCooldownIsPerUser(t *testing.T) {
	e, clock := newTestEngine(t)
	meta := NewMetadata("roll")
	meta.UserCooldown = 30 * time.Second
	calls := counting(t, e, meta)

	e.ParseAndExecute(msg("alice", "!roll"), nil)
	e.ParseAndExecute(msg("alice", "!roll"), nil)
	e.ParseAndExecute(msg("bob", "!roll"), nil)
	assert.Equal(t, 2, *calls)

	clock.Advance(30 * time.Second)
	e.ParseAndExecute(msg("alice", "!roll"), nil)
	assert.Equal(t, 3, *calls)
}

func TestGlobalCooldownSpansCommands(t *testing.T) {
	e, clock := newTestEngine(t)
	first := NewMetadata("first")
	calls1 := counting(t, e, first)
	second := NewMetadata("second")
	second.GlobalCooldown = 5 * time.Second
	calls2 := counting(t, e, second)

	e.ParseAndExecute(msg("a", "!first"), nil)
	rec := &recorder{}
	e.ParseAndExecute(msg("b", "!second"), rec.reply)
	assert.Equal(t, 1, *calls1)
	assert.Zero(t, *calls2)
	assert.Contains(t, rec.last(), "cooldown")

	clock.Advance(5 * time.Second)
	e.ParseAndExecute(msg("b", "!second"), nil)
	assert.Equal(t, 1, *calls2)
}

func TestUsageCapAndReset(t *testing.T) {
	e, _ := newTestEngine(t)
	meta := NewMetadata("limited")
	meta.MaxUsesPerStream = 2
	calls := counting(t, e, meta)
	rec := &recorder{}

	for i := 0; i < 3; i++ {
		assert.True(t, e.ParseAndExecute(msg("a", "!limited"), rec.reply))
	}
	assert.Equal(t, 2, *calls)
	assert.Equal(t, ReplyUsageLimit, rec.last())

	e.ResetStreamCounters()
	assert.True(t, e.ParseAndExecute(msg("a", "!limited"), rec.reply))
	assert.Equal(t, 3, *calls)
}

func TestZeroAndNegativeCapsAreUnlimited(t *testing.T) {
	for _, limit := range []int{0, Unlimited} {
		e, _ := newTestEngine(t)
		meta := NewMetadata("free")
		meta.MaxUsesPerStream = limit
		calls := counting(t, e, meta)
		for i := 0; i < 5; i++ {
			e.ParseAndExecute(msg("a", "!free"), nil)
		}
		assert.Equal(t, 5, *calls, "limit %d", limit)
	}
}

func TestHandlerErrorStillCountsAndReplies(t *testing.T) {
	e, _ := newTestEngine(t)
	meta := NewMetadata("boom")
	meta.MaxUsesPerStream = 1
	require.NoError(t, e.Register(meta, HandlerFunc(func(*Context) error {
		return errors.New("kaboom")
	})))
	rec := &recorder{}

	assert.True(t, e.ParseAndExecute(msg("a", "!boom"), rec.reply))
	assert.Equal(t, ReplyFailed, rec.last())
	assert.Equal(t, 1, e.Cooldowns().Uses("boom"))

	assert.True(t, e.ParseAndExecute(msg("a", "!boom"), rec.reply))
	assert.Equal(t, ReplyUsageLimit, rec.last())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterFunc("panic", func(*Context) error { panic("bad script") }))
	rec := &recorder{}
	assert.NotPanics(t, func() {
		assert.True(t, e.ParseAndExecute(msg("a", "!panic"), rec.reply))
	})
	assert.Equal(t, ReplyFailed, rec.last())
	assert.Equal(t, 1, e.Cooldowns().Uses("panic"))
}

func TestInvokeWrapsErrCommandExecution(t *testing.T) {
	err := invoke(HandlerFunc(func(*Context) error { return errors.New("x") }), NewContext(context.Background(), model.ChatMessage{}, "x", nil, nil))
	assert.ErrorIs(t, err, ErrCommandExecution)
	assert.NoError(t, invoke(HandlerFunc(func(*Context) error { return nil }), NewContext(context.Background(), model.ChatMessage{}, "x", nil, nil)))
}

func TestRepliesStartingWithPrefixAreDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterFunc("echo", func(ctx *Context) error {
		ctx.Reply(strings.Join(ctx.Args, " "))
		return nil
	}))

	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("viewer", "!echo !reload now"), rec.reply))
	assert.Empty(t, rec.all())
	assert.True(t, e.ParseAndExecute(msg("viewer", "!echo   !reload"), rec.reply))
	assert.Empty(t, rec.all())

	e.ParseAndExecute(msg("viewer", "!echo say !reload"), rec.reply)
	assert.Equal(t, []string{"say !reload"}, rec.all())

	e.SetPrefix("?")
	e.ParseAndExecute(msg("viewer", "?echo ?help"), rec.reply)
	e.ParseAndExecute(msg("viewer", "?echo !fine"), rec.reply)
	assert.Equal(t, []string{"say !reload", "!fine"}, rec.all())
}

func TestRegisterValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Error(t, e.Register(Metadata{Name: "  "}, HandlerFunc(func(*Context) error { return nil })))
	assert.Error(t, e.Register(NewMetadata("x"), nil))
	assert.Error(t, e.RegisterFunc("y", nil))
	assert.Empty(t, e.Commands())
}

type staticProvider struct {
	name string
	mu   sync.Mutex
	defs []Definition
	err  error
	runs int
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Load() ([]Definition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	return p.defs, p.err
}

func (p *staticProvider) set(defs []Definition, err error) {
	p.mu.Lock()
	p.defs, p.err = defs, err
	p.mu.Unlock()
}

func def(name string, reply string) Definition {
	return Definition{Meta: NewMetadata(name), Handler: HandlerFunc(func(ctx *Context) error {
		ctx.Reply(reply)
		return nil
	})}
}

func TestInstallAndReloadReplaceProviderCommands(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &staticProvider{name: "scripts", defs: []Definition{def("a", "a1"), def("b", "b1")}}
	require.NoError(t, e.Install(p))
	require.NoError(t, e.RegisterFunc("native", func(*Context) error { return nil }))

	rec := &recorder{}
	e.ParseAndExecute(msg("u", "!a"), rec.reply)
	assert.Equal(t, "a1", rec.last())

	p.set([]Definition{def("a", "a2"), def("c", "c1")}, nil)
	n, err := e.Reload()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e.ParseAndExecute(msg("u", "!a"), rec.reply)
	assert.Equal(t, "a2", rec.last())
	assert.False(t, e.ParseAndExecute(msg("u", "!b"), rec.reply), "b should be gone after reload")
	assert.True(t, e.ParseAndExecute(msg("u", "!c"), rec.reply))
	assert.True(t, e.ParseAndExecute(msg("u", "!native"), rec.reply), "native commands survive reload")
}

type committingProvider struct {
	staticProvider
	engine   *Engine
	atCommit [][]string
}

func (p *committingProvider) Commit() {
	var names []string
	for _, m := range p.engine.Commands() {
		names = append(names, m.Name)
	}
	p.atCommit = append(p.atCommit, names)
}

func TestCommitRunsAfterRegistrationsSwap(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &committingProvider{staticProvider: staticProvider{name: "scripts", defs: []Definition{def("a", "a1")}}, engine: e}
	require.NoError(t, e.Install(p))

	p.set([]Definition{def("b", "b1")}, nil)
	_, err := e.Reload()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, p.atCommit)

	p.set(nil, errors.New("syntax error"))
	_, err = e.Reload()
	require.Error(t, err)
	assert.Len(t, p.atCommit, 2, "a failed load must not commit")
}

func TestRetiredHandlerIsRetriedOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &staticProvider{name: "scripts"}
	stale := Definition{Meta: NewMetadata("a"), Handler: HandlerFunc(func(*Context) error {
		p.set([]Definition{def("a", "a2")}, nil)
		if _, err := e.Reload(); err != nil {
			return err
		}
		return fmt.Errorf("old script: %w", ErrRetired)
	})}
	p.defs = []Definition{stale}
	require.NoError(t, e.Install(p))

	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("u", "!a"), rec.reply))
	assert.Equal(t, "a2", rec.last())
	assert.NotContains(t, rec.all(), ReplyFailed)
}

func TestReloadFailureKeepsPreviousCommands(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &staticProvider{name: "scripts", defs: []Definition{def("a", "a1")}}
	require.NoError(t, e.Install(p))

	p.set(nil, errors.New("syntax error"))
	_, err := e.Reload()
	require.Error(t, err)

	rec := &recorder{}
	assert.True(t, e.ParseAndExecute(msg("u", "!a"), rec.reply))
	assert.Equal(t, "a1", rec.last())
}

func TestProviderCannotShadowOtherSources(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RegisterFunc("ping", func(ctx *Context) error { ctx.Reply("native pong"); return nil }))
	require.NoError(t, e.Install(&staticProvider{name: "text", defs: []Definition{def("ping", "text pong"), {Meta: NewMetadata("nohandler")}}}))

	rec := &recorder{}
	e.ParseAndExecute(msg("u", "!ping"), rec.reply)
	assert.Equal(t, "native pong", rec.last())
	_, ok := e.Lookup("nohandler")
	assert.False(t, ok)
}

func TestInstallSameProviderNameReplaces(t *testing.T) {
	e, _ := newTestEngine(t)
	first := &staticProvider{name: "text", defs: []Definition{def("a", "1")}}
	second := &staticProvider{name: "text", defs: []Definition{def("b", "2")}}
	require.NoError(t, e.Install(first))
	require.NoError(t, e.Install(second))
	_, err := e.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, first.runs)
	assert.Equal(t, 2, second.runs)
	_, ok := e.Lookup("a")
	assert.False(t, ok)
}

func TestBuiltins(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, RegisterBuiltins(e))
	p := &staticProvider{name: "scripts", defs: []Definition{def("hello", "hi")}}
	require.NoError(t, e.Install(p))
	secret := NewMetadata("secret")
	secret.ModOnly = true
	counting(t, e, secret)

	rec := &recorder{}
	e.ParseAndExecute(msg("viewer", "!commands"), rec.reply)
	assert.Equal(t, "Commands: !commands, !hello, !help", rec.last())

	e.ParseAndExecute(msg("viewer", "!help reload"), rec.reply)
	assert.Equal(t, "Reload scripted and text commands. Usage: !reload", rec.last())
	e.ParseAndExecute(msg("viewer", "!help !cmds"), rec.reply)
	assert.Contains(t, rec.last(), "(aliases: cmds)")
	e.ParseAndExecute(msg("viewer", "!help nope"), rec.reply)
	assert.Equal(t, "Unknown command: nope", rec.last())
	e.ParseAndExecute(msg("viewer", "!help"), rec.reply)
	assert.Equal(t, "Usage: !help <command>", rec.last())

	e.ParseAndExecute(msg("viewer", "!reload"), rec.reply)
	assert.Equal(t, ReplyPermission, rec.last())
	runs := p.runs
	e.ParseAndExecute(msg("mod", "!reload", model.BadgeModerator), rec.reply)
	assert.Equal(t, "Reloaded 5 commands.", rec.last())
	assert.Equal(t, runs+1, p.runs)
}

func TestConcurrentDispatchAndReload(t *testing.T) {
	e, _ := newTestEngine(t)
	p := &staticProvider{name: "scripts", defs: []Definition{def("a", "x")}}
	require.NoError(t, e.Install(p))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.ParseAndExecute(msg("u", "!a"), func(string) {})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = e.Reload()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, e.Cooldowns().Uses("a"))
}
