package luacmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/seraphbot/commands"
	"github.com/onnwee/seraphbot/model"
)

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func install(t *testing.T, dir string, opts commands.Options) (*commands.Engine, *Provider) {
	t.Helper()
	e := commands.NewEngine(opts)
	p := New(dir)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, e.Install(p))
	return e, p
}

type replies []string

func (r *replies) add(s string) { *r = append(*r, s) }

func TestLoadsMetadata(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "so.lua", `
return {
  name = "Shoutout",
  description = "Shout out a streamer",
  aliases = {"so", "SHOUT"},
  global_cooldown = 1,
  command_cooldown = 2.5,
  user_cooldown = 30,
  mod_only = true,
  vip_only = false,
  subscriber_only = true,
  allowed_users = {"friend", "pal"},
  enabled = false,
  max_uses_per_stream = 3,
  execute = function(ctx, args) end,
}`)
	writeScript(t, dir, "plain.lua", `return { name = "plain", execute = function(ctx, args) end }`)

	e, _ := install(t, dir, commands.Options{})
	meta, ok := e.Lookup("so")
	require.True(t, ok)
	assert.Equal(t, "shoutout", meta.Name)
	assert.Equal(t, "Shout out a streamer", meta.Description)
	assert.Equal(t, "!Shoutout", meta.Usage)
	assert.Equal(t, []string{"so", "shout"}, meta.Aliases)
	assert.Equal(t, time.Second, meta.GlobalCooldown)
	assert.Equal(t, 2500*time.Millisecond, meta.CommandCooldown)
	assert.Equal(t, 30*time.Second, meta.UserCooldown)
	assert.True(t, meta.ModOnly)
	assert.False(t, meta.VIPOnly)
	assert.True(t, meta.SubscriberOnly)
	assert.Equal(t, []string{"friend", "pal"}, meta.AllowedUsers)
	assert.False(t, meta.Enabled)
	assert.Equal(t, 3, meta.MaxUsesPerStream)

	plain, ok := e.Lookup("plain")
	require.True(t, ok)
	assert.True(t, plain.Enabled)
	assert.Equal(t, commands.Unlimited, plain.MaxUsesPerStream)
	assert.Equal(t, "!plain", plain.Usage)
	assert.Empty(t, plain.Aliases)
}

func TestContextMethods(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "probe.lua", `
return {
  name = "probe",
  execute = function(ctx, args)
    log("probe running")
    ctx:reply("user=" .. ctx:getUser())
    ctx:reply("command=" .. ctx:getCommand())
    ctx:reply("args=" .. #args .. "/" .. #ctx:getArgs() .. " first=" .. args[1])
    ctx:reply("join0=" .. ctx:joinArgs() .. " join1=" .. ctx:joinArgs(1))
    ctx:reply("text=" .. ctx:getMessageText())
    ctx:reply(string.format("roles=%s,%s,%s,%s badge=%s",
      tostring(ctx:isBroadcaster()), tostring(ctx:isModerator()),
      tostring(ctx:isVip()), tostring(ctx:isSubscriber()),
      tostring(ctx:hasBadge("moderator"))))
  end,
}`)
	e, _ := install(t, dir, commands.Options{})

	var got replies
	ok := e.ParseAndExecute(model.ChatMessage{User: "alice", Text: `!PROBE one "two three"`, Badges: []string{"moderator"}}, got.add)
	require.True(t, ok)
	assert.Equal(t, replies{
		"user=alice",
		"command=probe",
		"args=2/2 first=one",
		"join0=one two three join1=two three",
		`text=!PROBE one "two three"`,
		"roles=false,true,true,true badge=true",
	}, got)
}

func TestPolicyFromScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "mod.lua", `
return {
  name = "modonly",
  mod_only = true,
  allowed_users = {"friend"},
  max_uses_per_stream = 1,
  execute = function(ctx) ctx:reply("ran") end,
}`)
	e, _ := install(t, dir, commands.Options{})

	var got replies
	e.ParseAndExecute(model.ChatMessage{User: "viewer", Text: "!modonly", Badges: []string{"subscriber"}}, got.add)
	e.ParseAndExecute(model.ChatMessage{User: "friend", Text: "!modonly"}, got.add)
	e.ParseAndExecute(model.ChatMessage{User: "friend", Text: "!modonly"}, got.add)
	assert.Equal(t, replies{commands.ReplyPermission, "ran", commands.ReplyUsageLimit}, got)
}

func TestScriptErrorRepliesFailure(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "bad.lua", `return { name = "bad", execute = function(ctx) error("nope") end }`)
	e, _ := install(t, dir, commands.Options{})

	var got replies
	assert.True(t, e.ParseAndExecute(model.ChatMessage{User: "a", Text: "!bad"}, got.add))
	assert.Equal(t, replies{commands.ReplyFailed}, got)
	assert.Equal(t, 1, e.Cooldowns().Uses("bad"))
}

func TestRunawayScriptTimesOut(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "spin.lua", `return { name = "spin", execute = function(ctx) while true do end end }`)
	e, _ := install(t, dir, commands.Options{Timeout: 100 * time.Millisecond})

	var got replies
	done := make(chan bool, 1)
	go func() { done <- e.ParseAndExecute(model.ChatMessage{User: "a", Text: "!spin"}, got.add) }()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("runaway script was not interrupted")
	}
	assert.Equal(t, replies{commands.ReplyFailed}, got)
}

func TestInvalidFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good.lua", `return { name = "good", execute = function(ctx) ctx:reply("ok") end }`)
	writeScript(t, dir, "syntax.lua", `return { name = "broken", execute = function(ctx) end`)
	writeScript(t, dir, "noname.lua", `return { execute = function(ctx) end }`)
	writeScript(t, dir, "noexec.lua", `return { name = "noexec" }`)
	writeScript(t, dir, "notable.lua", `return 42`)
	writeScript(t, dir, "nothing.lua", `local x = 1`)
	writeScript(t, dir, "readme.txt", `return { name = "txt", execute = function() end }`)

	e, _ := install(t, dir, commands.Options{})
	cmds := e.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "good", cmds[0].Name)
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "greet.lua", `return { name = "greet", execute = function(ctx) ctx:reply("v1") end }`)
	e, p := install(t, dir, commands.Options{})

	var got replies
	e.ParseAndExecute(model.ChatMessage{User: "a", Text: "!greet"}, got.add)

	p.mu.Lock()
	old := p.handlers[0]
	p.mu.Unlock()

	writeScript(t, dir, "greet.lua", `return { name = "greet", execute = function(ctx) ctx:reply("v2") end }`)
	writeScript(t, dir, "extra.lua", `return { name = "extra", execute = function(ctx) ctx:reply("x") end }`)
	n, err := e.Reload()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e.ParseAndExecute(model.ChatMessage{User: "a", Text: "!greet"}, got.add)
	e.ParseAndExecute(model.ChatMessage{User: "a", Text: "!extra"}, got.add)
	assert.Equal(t, replies{"v1", "v2", "x"}, got)

	err = old.Invoke(commands.NewContext(context.Background(), model.ChatMessage{}, "greet", nil, nil))
	assert.ErrorIs(t, err, ErrUnloaded)
}

func TestOldInterpretersLiveUntilCommit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "greet.lua", `return { name = "greet", execute = function(ctx) ctx:reply("v1") end }`)
	_, p := install(t, dir, commands.Options{})

	p.mu.Lock()
	old := p.handlers[0]
	p.mu.Unlock()

	writeScript(t, dir, "greet.lua", `return { name = "greet", execute = function(ctx) ctx:reply("v2") end }`)
	defs, err := p.Load()
	require.NoError(t, err)
	require.Len(t, defs, 1)

	var got replies
	require.NoError(t, old.Invoke(commands.NewContext(context.Background(), model.ChatMessage{}, "greet", nil, got.add)))
	assert.Equal(t, replies{"v1"}, got)

	p.Commit()
	err = old.Invoke(commands.NewContext(context.Background(), model.ChatMessage{}, "greet", nil, got.add))
	assert.ErrorIs(t, err, ErrUnloaded)
	assert.ErrorIs(t, err, commands.ErrRetired)

	require.NoError(t, defs[0].Handler.Invoke(commands.NewContext(context.Background(), model.ChatMessage{}, "greet", nil, got.add)))
	assert.Equal(t, replies{"v1", "v2"}, got)
}

func TestMissingDirectoryLoadsNothing(t *testing.T) {
	e, _ := install(t, filepath.Join(t.TempDir(), "absent"), commands.Options{})
	assert.Empty(t, e.Commands())
}
