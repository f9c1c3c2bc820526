package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/seraphbot/chat"
)

// HandleHealthz responds to liveness probes. The archive database is
// checked when one is configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once chat is connected and storage answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"database", func(ctx context.Context) error {
			if h.store == nil {
				return nil
			}
			return h.store.Ping(ctx)
		}},
		{"chat", func(context.Context) error {
			if h.session == nil {
				return errors.New("no chat session")
			}
			if st := h.session.State(); st != chat.ChatConnected {
				return fmt.Errorf("chat state is %s", st)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
