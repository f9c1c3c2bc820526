package server

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/onnwee/seraphbot/commands"
)

type commandView struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Usage            string   `json:"usage"`
	Aliases          []string `json:"aliases,omitempty"`
	Enabled          bool     `json:"enabled"`
	ModOnly          bool     `json:"mod_only,omitempty"`
	VIPOnly          bool     `json:"vip_only,omitempty"`
	SubscriberOnly   bool     `json:"subscriber_only,omitempty"`
	GlobalCooldown   float64  `json:"global_cooldown_seconds,omitempty"`
	CommandCooldown  float64  `json:"command_cooldown_seconds,omitempty"`
	UserCooldown     float64  `json:"user_cooldown_seconds,omitempty"`
	MaxUsesPerStream int      `json:"max_uses_per_stream,omitempty"`
}

func viewOf(m commands.Metadata) commandView {
	v := commandView{
		Name:            m.Name,
		Description:     m.Description,
		Usage:           m.Usage,
		Aliases:         m.Aliases,
		Enabled:         m.Enabled,
		ModOnly:         m.ModOnly,
		VIPOnly:         m.VIPOnly,
		SubscriberOnly:  m.SubscriberOnly,
		GlobalCooldown:  m.GlobalCooldown.Seconds(),
		CommandCooldown: m.CommandCooldown.Seconds(),
		UserCooldown:    m.UserCooldown.Seconds(),
	}
	if m.Capped() {
		v.MaxUsesPerStream = m.MaxUsesPerStream
	}
	return v
}

// HandleCommands lists the registered commands sorted by name.
func (h *Handlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if h.commands == nil {
		writeJSON(w, http.StatusOK, []commandView{})
		return
	}
	metas := h.commands.Commands()
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	out := make([]commandView, 0, len(metas))
	for _, m := range metas {
		out = append(out, viewOf(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCommandsReload reloads every provider. Provider errors are reported
// alongside the resulting count since the working providers still applied.
func (h *Handlers) HandleCommandsReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "commands not configured")
		return
	}
	n, err := h.commands.Reload()
	resp := map[string]any{"commands": n}
	if err != nil {
		slog.Warn("command reload reported errors", slog.Any("err", err))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
