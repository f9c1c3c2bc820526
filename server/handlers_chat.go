package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/seraphbot/chat"
	"github.com/onnwee/seraphbot/model"
)

type chatLine struct {
	User       string     `json:"username"`
	Text       string     `json:"message"`
	Color      string     `json:"color,omitempty"`
	Badges     []string   `json:"badges,omitempty"`
	System     bool       `json:"system,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

func toLine(m model.ChatMessage) chatLine {
	return chatLine{User: m.User, Text: m.Text, Color: m.Color, Badges: m.Badges, System: m.IsSystem()}
}

// HandleChat returns recent chat lines, oldest first. source=archive reads
// the database instead of the in-memory ring.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out := make([]chatLine, 0, limit)
	if r.URL.Query().Get("source") == "archive" {
		if h.store == nil {
			writeError(w, http.StatusNotFound, "chat archive not configured")
			return
		}
		msgs, err := h.store.RecentChatMessages(r.Context(), limit)
		if err != nil {
			slog.Error("failed to read chat archive", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "failed to read chat archive")
			return
		}
		for _, m := range msgs {
			line := toLine(m.ChatMessage)
			at := m.ReceivedAt.UTC()
			line.ReceivedAt = &at
			out = append(out, line)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if h.feed != nil {
		for _, m := range h.feed.Recent(limit) {
			out = append(out, toLine(m))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleChatStream pushes every new chat line as a Server-Sent Event until
// the client goes away.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if h.feed == nil {
		http.Error(w, "chat feed not configured", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	msgs, cancel := h.feed.Subscribe(parseIntQuery(r, "buffer", 64))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// An initial comment lets clients know the stream is open.
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(toLine(m))
			if err != nil {
				slog.Warn("failed to encode SSE message", slog.Any("err", err))
				continue
			}
			if _, err := w.Write([]byte("event: chat\ndata: " + string(data) + "\n\n")); err != nil {
				slog.Debug("SSE client went away", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

// HandleChatSend posts a chat message as the logged-in account and returns
// the Helix message id.
func (h *Handlers) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.session == nil {
		writeError(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}
	id, err := h.session.Send(r.Context(), body.Message)
	if err != nil {
		if errors.Is(err, chat.ErrNotConnected) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}
