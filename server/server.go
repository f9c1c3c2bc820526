// Package server exposes the local control API: health, status, metrics, the
// live chat feed, the command catalog and session control. It applies
// permissive CORS for local overlays, injects correlation IDs into request
// contexts and protects mutating endpoints with the admin token.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/seraphbot/telemetry"
)

// Options carries the collaborators and the protection settings.
type Options struct {
	Session  Session
	Commands Commands
	Feed     Feed
	Store    Store // optional

	// AdminToken protects every non-GET endpoint. Empty disables the check.
	AdminToken string
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	authCfg := &authConfig{adminToken: opts.AdminToken, enabled: opts.AdminToken != ""}
	if !authCfg.enabled {
		slog.Warn("ADMIN_TOKEN not set - control endpoints are UNPROTECTED", slog.String("component", "http"))
	}
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	handlers := NewHandlers(opts)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/config", handlers.HandleConfig)

	mux.HandleFunc("/chat", handlers.HandleChat)
	mux.HandleFunc("/chat/stream", handlers.HandleChatStream)
	mux.HandleFunc("/chat/send", handlers.HandleChatSend)

	mux.HandleFunc("/commands", handlers.HandleCommands)
	mux.HandleFunc("/commands/reload", handlers.HandleCommandsReload)

	mux.HandleFunc("/session/login", handlers.HandleSessionLogin)
	mux.HandleFunc("/session/restore", handlers.HandleSessionRestore)
	mux.HandleFunc("/session/connect", handlers.HandleSessionConnect)
	mux.HandleFunc("/session/reconnect", handlers.HandleSessionReconnect)
	mux.HandleFunc("/session/disconnect", handlers.HandleSessionDisconnect)
	mux.HandleFunc("/session/logout", handlers.HandleSessionLogout)

	// Reads are open; anything that changes state needs the token and is rate limited.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(rec, r.WithContext(ctx))
		if rec.statusCode >= 400 {
			telemetry.LoggerWithCorr(ctx).Info("request failed", slog.String("path", r.URL.Path), slog.Int("status", rec.statusCode), slog.String("component", "http"))
		}
	})

	traced := otelhttp.NewHandler(handler, "http-server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
		otelhttp.WithFilter(func(r *http.Request) bool {
			// Skip scrapes and the long-lived stream.
			return r.URL.Path != "/metrics" && !strings.HasPrefix(r.URL.Path, "/chat/stream")
		}),
	)
	return withCORSConfig(traced, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /chat/stream holds the response open until ctx ends.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("control server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
