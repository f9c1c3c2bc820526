package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/onnwee/seraphbot/chat"
	"github.com/onnwee/seraphbot/db"
)

func (h *Handlers) sessionReply(w http.ResponseWriter, err error) {
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, chat.ErrInvalidState):
			status = http.StatusConflict
		case errors.Is(err, db.ErrNoToken):
			status = http.StatusNotFound
		case errors.Is(err, chat.ErrNoStore):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{
			"error":  err.Error(),
			"state":  h.session.State().String(),
			"status": h.session.LastStatus(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state":  h.session.State().String(),
		"status": h.session.LastStatus(),
	})
}

// detached keeps session work going if the HTTP client disconnects.
func (h *Handlers) detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.connectTimeout)
}

func (h *Handlers) sessionCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if h.session == nil {
		writeError(w, http.StatusServiceUnavailable, "chat not configured")
		return
	}
	ctx, cancel := h.detached(r)
	defer cancel()
	h.sessionReply(w, fn(ctx))
}

// HandleSessionLogin starts the browser login in the background; poll
// /status for the outcome.
func (h *Handlers) HandleSessionLogin(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(context.Context) error { return h.session.StartLogin() })
}

// HandleSessionRestore logs in with the persisted token.
func (h *Handlers) HandleSessionRestore(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(ctx context.Context) error { return h.session.RestoreSession(ctx) })
}

// HandleSessionConnect joins chat.
func (h *Handlers) HandleSessionConnect(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(ctx context.Context) error { return h.session.ConnectToChat(ctx) })
}

// HandleSessionReconnect replaces the chat connection.
func (h *Handlers) HandleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(ctx context.Context) error { return h.session.Reconnect(ctx) })
}

// HandleSessionDisconnect leaves chat and forgets the in-memory identity.
func (h *Handlers) HandleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(context.Context) error {
		h.session.Disconnect()
		return nil
	})
}

// HandleSessionLogout disconnects and deletes the persisted token.
func (h *Handlers) HandleSessionLogout(w http.ResponseWriter, r *http.Request) {
	h.sessionCall(w, r, func(ctx context.Context) error { return h.session.Logout(ctx) })
}
