package luacmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/onnwee/seraphbot/commands"
	"github.com/onnwee/seraphbot/telemetry"
)

const contextTypeName = "CommandContext"

// newState opens a sandboxed interpreter: base, table, string and math
// only, plus the CommandContext type and a global log function.
func newState(path string) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua library %q: %w", lib.name, err)
		}
	}

	mt := L.NewTypeMetatable(contextTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), contextMethods))

	script := filepath.Base(path)
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		telemetry.Logger(telemetry.WithLogLabel(context.Background(), "Lua")).
			Info(L.CheckString(1), slog.String("script", script))
		return 0
	}))
	return L, nil
}

// loadFile runs path and converts the returned table into a handler and
// its metadata.
func loadFile(path string) (*handler, commands.Metadata, error) {
	L, err := newState(path)
	if err != nil {
		return nil, commands.Metadata{}, err
	}
	fail := func(err error) (*handler, commands.Metadata, error) {
		L.Close()
		return nil, commands.Metadata{}, err
	}

	if err := L.DoFile(path); err != nil {
		return fail(err)
	}
	if L.GetTop() == 0 {
		return fail(errors.New("script must return a table"))
	}
	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return fail(fmt.Errorf("script must return a table, got %s", ret.Type()))
	}
	name, ok := tbl.RawGetString("name").(lua.LString)
	if !ok || name == "" {
		return fail(errors.New("missing required 'name' field"))
	}
	fn, ok := tbl.RawGetString("execute").(*lua.LFunction)
	if !ok {
		return fail(fmt.Errorf("command %q missing required 'execute' function", string(name)))
	}

	meta := commands.NewMetadata(string(name))
	meta.Description = stringField(tbl, "description", "")
	meta.Usage = stringField(tbl, "usage", "!"+string(name))
	meta.Aliases = stringList(tbl, "aliases")
	meta.GlobalCooldown = seconds(tbl, "global_cooldown")
	meta.CommandCooldown = seconds(tbl, "command_cooldown")
	meta.UserCooldown = seconds(tbl, "user_cooldown")
	meta.ModOnly = boolField(tbl, "mod_only", false)
	meta.VIPOnly = boolField(tbl, "vip_only", false)
	meta.SubscriberOnly = boolField(tbl, "subscriber_only", false)
	meta.AllowedUsers = stringList(tbl, "allowed_users")
	meta.Enabled = boolField(tbl, "enabled", true)
	meta.MaxUsesPerStream = intField(tbl, "max_uses_per_stream", commands.Unlimited)

	return &handler{path: path, L: L, fn: fn}, meta, nil
}

func stringField(t *lua.LTable, key, def string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return def
}

func boolField(t *lua.LTable, key string, def bool) bool {
	v := t.RawGetString(key)
	if v == lua.LNil {
		return def
	}
	return lua.LVAsBool(v)
}

func intField(t *lua.LTable, key string, def int) int {
	if n, ok := t.RawGetString(key).(lua.LNumber); ok {
		return int(n)
	}
	return def
}

func seconds(t *lua.LTable, key string) time.Duration {
	if n, ok := t.RawGetString(key).(lua.LNumber); ok && n > 0 {
		return time.Duration(float64(n) * float64(time.Second))
	}
	return 0
}

func stringList(t *lua.LTable, key string) []string {
	list, ok := t.RawGetString(key).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	for i := 1; i <= list.Len(); i++ {
		if s, ok := list.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

func newContextValue(L *lua.LState, ctx *commands.Context) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = ctx
	L.SetMetatable(ud, L.GetTypeMetatable(contextTypeName))
	return ud
}

func checkContext(L *lua.LState) *commands.Context {
	ud := L.CheckUserData(1)
	if c, ok := ud.Value.(*commands.Context); ok {
		return c
	}
	L.ArgError(1, "CommandContext expected")
	return nil
}

var contextMethods = map[string]lua.LGFunction{
	"getUser": func(L *lua.LState) int {
		L.Push(lua.LString(checkContext(L).User()))
		return 1
	},
	"getCommand": func(L *lua.LState) int {
		L.Push(lua.LString(checkContext(L).Command))
		return 1
	},
	"getArgs": func(L *lua.LState) int {
		c := checkContext(L)
		t := L.NewTable()
		for _, a := range c.Args {
			t.Append(lua.LString(a))
		}
		L.Push(t)
		return 1
	},
	"joinArgs": func(L *lua.LState) int {
		c := checkContext(L)
		L.Push(lua.LString(c.JoinArgs(L.OptInt(2, 0))))
		return 1
	},
	"reply": func(L *lua.LState) int {
		checkContext(L).Reply(L.CheckString(2))
		return 0
	},
	"getMessageText": func(L *lua.LState) int {
		L.Push(lua.LString(checkContext(L).Message.Text))
		return 1
	},
	"isBroadcaster": func(L *lua.LState) int {
		L.Push(lua.LBool(checkContext(L).IsBroadcaster()))
		return 1
	},
	"isModerator": func(L *lua.LState) int {
		L.Push(lua.LBool(checkContext(L).IsModerator()))
		return 1
	},
	"isVip": func(L *lua.LState) int {
		L.Push(lua.LBool(checkContext(L).IsVIP()))
		return 1
	},
	"isSubscriber": func(L *lua.LState) int {
		L.Push(lua.LBool(checkContext(L).IsSubscriber()))
		return 1
	},
	"hasBadge": func(L *lua.LState) int {
		c := checkContext(L)
		L.Push(lua.LBool(c.HasBadge(L.CheckString(2))))
		return 1
	},
}
