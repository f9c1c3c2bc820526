// Command seraphbot is the streaming companion bot. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the local database (SQLite by default, Postgres via DB_DSN) and runs migrations.
//   - Logs in through the OAuth intermediary, restoring a saved session when possible.
//   - Holds an EventSub WebSocket session and routes chat through the command engine.
//   - Exposes the local control server with /healthz, /status, /chat/stream and /metrics.
//   - Runs the terminal UI unless HEADLESS=1.
//
// Shutdown is graceful on SIGINT/SIGTERM or when the UI exits.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/seraphbot/appstate"
	"github.com/onnwee/seraphbot/auth"
	"github.com/onnwee/seraphbot/chat"
	"github.com/onnwee/seraphbot/commands"
	"github.com/onnwee/seraphbot/commands/luacmd"
	"github.com/onnwee/seraphbot/commands/textcmd"
	"github.com/onnwee/seraphbot/config"
	"github.com/onnwee/seraphbot/crypto"
	"github.com/onnwee/seraphbot/db"
	"github.com/onnwee/seraphbot/model"
	"github.com/onnwee/seraphbot/notify"
	"github.com/onnwee/seraphbot/server"
	"github.com/onnwee/seraphbot/telemetry"
	"github.com/onnwee/seraphbot/transport"
	"github.com/onnwee/seraphbot/twitchapi"
	"github.com/onnwee/seraphbot/ui"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("seraphbot exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if present (local dev convenience only)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Configure logging (level + format). The TUI owns stdout, so logs go to a file there.
	lvl, ok := telemetry.ParseLevel(os.Getenv("LOG_LEVEL"))
	var out io.Writer = os.Stdout
	if !cfg.Headless {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "seraphbot.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	slog.SetDefault(slog.New(telemetry.NewHandler(out, os.Getenv("LOG_FORMAT"), lvl)))
	if !ok {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.Bool("headless", cfg.Headless))

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing is optional; it requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("seraphbot", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set - session tokens are stored in plaintext", slog.String("component", "db"))
	}
	store, err := db.Open(ctx, cfg.DBDsn, enc)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	slog.Info("running database migrations", slog.String("dialect", string(store.Dialect())), slog.String("component", "db_migrate"))
	if err := store.Migrate(); err != nil {
		return err
	}

	// The archiver outlives ctx so it can flush what was queued before shutdown.
	archiveCtx, stopArchive := context.WithCancel(context.WithoutCancel(ctx))
	archiver := db.NewArchiver(archiveCtx, store, db.ArchiveConfig{})
	defer func() {
		stopArchive()
		<-archiver.Done()
	}()

	// Transport layer: worker pool, HTTP clients and the WebSocket dialer.
	mgr := transport.New(transport.Options{Workers: cfg.Workers})
	defer mgr.Shutdown(cfg.ShutdownTimeout)

	authClient := auth.New(auth.Options{
		Host:       cfg.LoginHost,
		Port:       cfg.LoginPort,
		HTTPClient: mgr.HTTPClient(false),
	})

	// Commands
	engine := commands.NewEngine(commands.Options{Prefix: cfg.CommandPrefix})
	if err := commands.RegisterBuiltins(engine); err != nil {
		return err
	}
	if prefix, found, err := store.GetKV(ctx, server.PrefixKey); err != nil {
		slog.Warn("failed to read stored command prefix", slog.Any("err", err))
	} else if found {
		engine.SetPrefix(prefix)
	}
	lua := luacmd.New(cfg.CommandsDir)
	defer lua.Close()
	for _, p := range []commands.Provider{lua, textcmd.New(cfg.TextCommandsFile)} {
		if err := engine.Install(p); err != nil {
			slog.Warn("command provider failed to load", slog.String("provider", p.Name()), slog.Any("err", err))
		}
	}
	if cfg.WatchCommands {
		w, err := commands.NewWatcher(engine, []string{cfg.CommandsDir, cfg.TextCommandsFile}, 0)
		if err != nil {
			slog.Warn("command watcher disabled", slog.Any("err", err))
		} else {
			go w.Run(ctx)
		}
	}

	feed := appstate.New(appstate.Options{})
	svc := chat.NewService(chat.Options{
		Config: twitchapi.ClientConfig{
			Host:      cfg.EventSubHost,
			Port:      cfg.EventSubPort,
			Path:      cfg.EventSubPath,
			HelixHost: cfg.HelixHost,
			HelixPort: cfg.HelixPort,
			IDHost:    cfg.IDHost,
		},
		Manager: mgr,
		Auth:    authClient,
		Store:   store,
		Notifier: notify.NewDiscord(notify.Options{
			WebhookURL: cfg.DiscordWebhookURL,
			Message:    cfg.NotifyMessage,
			ChannelURL: cfg.ChannelURL,
			HTTPClient: mgr.HTTPClient(true),
		}),
		ReadyDelay:      cfg.ReadyDelay,
		SettleDelay:     cfg.SettleDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		SendRate:        cfg.SendRate,
		SendWindow:      cfg.SendWindow,
		ValidateEvery:   cfg.TokenValidateEvery,
	})
	svc.SetMessageHandler(func(msg model.ChatMessage) {
		feed.PushChatMessage(msg)
		archiver.Enqueue(msg)
		if msg.IsSystem() {
			return
		}
		engine.ParseAndExecute(msg, func(text string) {
			if err := svc.SendMessage(text); err != nil {
				slog.Warn("command reply not sent", slog.Any("err", err), slog.String("component", "commands"))
			}
		})
	})
	svc.SetStatusHandler(feed.SetStatus)
	svc.SetStreamOnlineHandler(engine.ResetStreamCounters)

	if cfg.AutoRestoreSession {
		go func() {
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := svc.RestoreSession(rctx); err != nil {
				if !errors.Is(err, db.ErrNoToken) {
					slog.Warn("session restore failed", slog.Any("err", err))
				}
				return
			}
			if err := svc.ConnectToChat(rctx); err != nil {
				slog.Warn("auto connect failed", slog.Any("err", err))
			}
		}()
	}

	// HTTP control server
	handler := server.NewMux(ctx, server.Options{
		Session:    svc,
		Commands:   engine,
		Feed:       feed,
		Store:      store,
		AdminToken: cfg.AdminToken,
	})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(ctx, cfg.HTTPAddr, handler); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if cfg.Headless {
		// Nothing drains the visible log, so keep the pending queue empty here.
		go drainHeadless(ctx, feed)
		<-ctx.Done()
	} else if err := ui.Run(ctx, ui.Options{Feed: feed, Controller: svc, Commands: engine}); err != nil {
		slog.Error("ui exited with error", slog.Any("err", err))
	}

	slog.Info("shutting down")
	stop()
	svc.Disconnect()
	<-serverDone
	return nil
}

func drainHeadless(ctx context.Context, feed *appstate.State) {
	t := time.NewTicker(ui.FrameInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			feed.ProcessPendingMessages()
		}
	}
}
