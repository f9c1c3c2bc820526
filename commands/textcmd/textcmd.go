// Package textcmd serves static-reply commands declared in a TOML file:
//
//	[[command]]
//	name = "discord"
//	aliases = ["dc"]
//	reply = "Join the server, {user}: https://discord.gg/example"
//	user_cooldown = 30
//
// Replies may use {user}, {args} and {command} placeholders. A rendered
// reply that starts with the command prefix is dropped by the engine, so
// {args} at the front of a template cannot be used to run other commands.
package textcmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/onnwee/seraphbot/commands"
)

// ProviderName is the registration source used by the engine.
const ProviderName = "text"

type file struct {
	Commands []entry `toml:"command"`
}

type entry struct {
	Name             string   `toml:"name"`
	Reply            string   `toml:"reply"`
	Description      string   `toml:"description"`
	Usage            string   `toml:"usage"`
	Aliases          []string `toml:"aliases"`
	GlobalCooldown   float64  `toml:"global_cooldown"`
	CommandCooldown  float64  `toml:"command_cooldown"`
	UserCooldown     float64  `toml:"user_cooldown"`
	ModOnly          bool     `toml:"mod_only"`
	VIPOnly          bool     `toml:"vip_only"`
	SubscriberOnly   bool     `toml:"subscriber_only"`
	AllowedUsers     []string `toml:"allowed_users"`
	Enabled          *bool    `toml:"enabled"`
	MaxUsesPerStream *int     `toml:"max_uses_per_stream"`
}

// Provider reads one TOML file.
type Provider struct {
	path string
}

// New returns a provider for path. Nothing is read until Load.
func New(path string) *Provider { return &Provider{path: path} }

func (p *Provider) Name() string { return ProviderName }

// Load decodes the file. A missing file yields no commands; a malformed one
// is an error so the engine keeps the previous set. Entries without a name
// or reply are skipped.
func (p *Provider) Load() ([]commands.Definition, error) {
	var f file
	md, err := toml.DecodeFile(p.path, &f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("text command file does not exist", slog.String("path", p.path), slog.String("component", "textcmd"))
			return nil, nil
		}
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown keys in text command file", slog.String("path", p.path), slog.String("keys", strings.Join(keys, ",")), slog.String("component", "textcmd"))
	}

	defs := make([]commands.Definition, 0, len(f.Commands))
	for i, e := range f.Commands {
		if strings.TrimSpace(e.Name) == "" || e.Reply == "" {
			slog.Warn("skipping text command without name or reply", slog.Int("index", i), slog.String("component", "textcmd"))
			continue
		}
		defs = append(defs, commands.Definition{Meta: e.metadata(), Handler: replyHandler(e.Reply)})
	}
	slog.Info("text commands loaded", slog.String("path", p.path), slog.Int("loaded", len(defs)), slog.String("component", "textcmd"))
	return defs, nil
}

func (e entry) metadata() commands.Metadata {
	m := commands.NewMetadata(e.Name)
	m.Description = e.Description
	if e.Usage != "" {
		m.Usage = e.Usage
	}
	m.Aliases = e.Aliases
	m.GlobalCooldown = seconds(e.GlobalCooldown)
	m.CommandCooldown = seconds(e.CommandCooldown)
	m.UserCooldown = seconds(e.UserCooldown)
	m.ModOnly = e.ModOnly
	m.VIPOnly = e.VIPOnly
	m.SubscriberOnly = e.SubscriberOnly
	m.AllowedUsers = e.AllowedUsers
	if e.Enabled != nil {
		m.Enabled = *e.Enabled
	}
	if e.MaxUsesPerStream != nil {
		m.MaxUsesPerStream = *e.MaxUsesPerStream
	}
	return m
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// replyHandler answers with template after filling its placeholders.
func replyHandler(template string) commands.HandlerFunc {
	return func(ctx *commands.Context) error {
		r := strings.NewReplacer(
			"{user}", ctx.User(),
			"{args}", ctx.JoinArgs(0),
			"{command}", ctx.Command,
		)
		ctx.Reply(strings.TrimSpace(r.Replace(template)))
		return nil
	}
}
