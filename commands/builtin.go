package commands

import (
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins installs the commands every channel gets: !commands,
// !help <command> and the moderator-only !reload.
func RegisterBuiltins(e *Engine) error {
	list := NewMetadata("commands")
	list.Description = "List the available commands"
	list.Aliases = []string{"cmds"}
	list.UserCooldown = 5 * time.Second

	help := NewMetadata("help")
	help.Description = "Describe a command"
	help.Usage = "!help <command>"

	reload := NewMetadata("reload")
	reload.Description = "Reload scripted and text commands"
	reload.ModOnly = true

	for _, r := range []struct {
		meta Metadata
		fn   HandlerFunc
	}{
		{list, e.listCommands},
		{help, e.describeCommand},
		{reload, e.reloadCommand},
	} {
		if err := e.Register(r.meta, r.fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) listCommands(ctx *Context) error {
	prefix := e.Prefix()
	var names []string
	for _, m := range e.Commands() {
		if !m.Enabled || !m.Allows(ctx.Message) {
			continue
		}
		names = append(names, prefix+m.Name)
	}
	if len(names) == 0 {
		ctx.Reply("No commands available.")
		return nil
	}
	ctx.Reply("Commands: " + strings.Join(names, ", "))
	return nil
}

func (e *Engine) describeCommand(ctx *Context) error {
	name := strings.TrimPrefix(ctx.Arg(0), e.Prefix())
	if name == "" {
		ctx.Reply("Usage: " + e.Prefix() + "help <command>")
		return nil
	}
	meta, ok := e.Lookup(name)
	if !ok {
		ctx.Reply(fmt.Sprintf("Unknown command: %s", name))
		return nil
	}
	text := "Usage: " + meta.Usage
	if meta.Description != "" {
		text = meta.Description + ". Usage: " + meta.Usage
	}
	if len(meta.Aliases) > 0 {
		text += " (aliases: " + strings.Join(meta.Aliases, ", ") + ")"
	}
	ctx.Reply(text)
	return nil
}

func (e *Engine) reloadCommand(ctx *Context) error {
	n, err := e.Reload()
	if err != nil {
		ctx.Reply(fmt.Sprintf("Reloaded with errors, %d commands loaded. Check the log.", n))
		return nil
	}
	ctx.Reply(fmt.Sprintf("Reloaded %d commands.", n))
	return nil
}
