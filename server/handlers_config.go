package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// PrefixKey is the kv key holding a command prefix override.
const PrefixKey = "cfg:COMMAND_PREFIX"

// HandleConfig handles GET and PUT for the runtime-tunable settings.
// Secrets are never exposed here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "commands not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"COMMAND_PREFIX": h.commands.Prefix()})
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		prefix, ok := body["COMMAND_PREFIX"]
		prefix = strings.TrimSpace(prefix)
		if !ok || prefix == "" || strings.ContainsAny(prefix, " \t") {
			http.Error(w, "COMMAND_PREFIX must be a non-empty token", http.StatusBadRequest)
			return
		}
		if h.store != nil {
			if err := h.store.SetKV(r.Context(), PrefixKey, prefix); err != nil {
				slog.Error("failed to update config", slog.String("key", PrefixKey), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		h.commands.SetPrefix(prefix)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight summary of the session, the feed and the archive.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if h.session != nil {
		resp["state"] = h.session.State().String()
		resp["status"] = h.session.LastStatus()
		if u := h.session.CurrentUser(); u != "" {
			resp["user"] = u
		}
		if id := h.session.SessionID(); id != "" {
			resp["session_id"] = id
		}
		if since := h.session.ConnectedSince(); !since.IsZero() {
			resp["connected_since"] = since.UTC().Format(time.RFC3339)
		}
	}
	if h.feed != nil {
		resp["pending_messages"] = h.feed.PendingMessageCount()
	}
	if h.commands != nil {
		resp["commands"] = len(h.commands.Commands())
		resp["command_prefix"] = h.commands.Prefix()
	}
	if h.store != nil {
		if n, err := h.store.CountChatMessages(r.Context()); err == nil {
			resp["archived_messages"] = n
		} else {
			slog.Warn("failed to count archived messages", slog.Any("err", err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
