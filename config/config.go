// Package config loads environment variables and provides a typed Config used across the bot.
// It applies defaults that talk to the production Twitch endpoints so the binary runs
// with no setup beyond logging in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Runtime
	Workers  int
	Headless bool

	// Twitch endpoints
	EventSubHost string
	EventSubPort string
	EventSubPath string
	HelixHost    string
	HelixPort    string
	IDHost       string

	// Login intermediary
	LoginHost string
	LoginPort string

	// Chat
	ReadyDelay         time.Duration
	SettleDelay        time.Duration
	ShutdownTimeout    time.Duration
	SendRate           int // messages per SendWindow
	SendWindow         time.Duration
	TokenValidateEvery time.Duration
	AutoRestoreSession bool

	// Commands
	CommandPrefix    string
	CommandsDir      string
	TextCommandsFile string
	WatchCommands    bool

	// Storage
	DataDir       string
	DBDsn         string
	EncryptionKey string

	// Control server
	HTTPAddr   string
	AdminToken string

	// Notifications
	DiscordWebhookURL string
	NotifyMessage     string
	ChannelURL        string

	// Telemetry
	OTLPEndpoint string
}

// Load reads environment variables and applies defaults. Invalid numeric or
// duration values are reported rather than silently replaced.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Workers, err = intEnv("SBOT_WORKERS", 4); err != nil {
		return nil, err
	}
	cfg.Headless = os.Getenv("HEADLESS") == "1"

	cfg.EventSubHost = strEnv("EVENTSUB_HOST", "eventsub.wss.twitch.tv")
	cfg.EventSubPort = strEnv("EVENTSUB_PORT", "443")
	cfg.EventSubPath = strEnv("EVENTSUB_PATH", "/ws")
	cfg.HelixHost = strEnv("HELIX_HOST", "api.twitch.tv")
	cfg.HelixPort = strEnv("HELIX_PORT", "443")
	cfg.IDHost = strEnv("ID_HOST", "id.twitch.tv")
	cfg.LoginHost = strEnv("LOGIN_HOST", "seraphbot-oauth-server.onrender.com")
	cfg.LoginPort = strEnv("LOGIN_PORT", "443")

	if cfg.ReadyDelay, err = durationEnv("CHAT_READY_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SettleDelay, err = durationEnv("SUBSCRIBE_SETTLE_DELAY", 300*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendRate, err = intEnv("CHAT_SEND_RATE", 20); err != nil {
		return nil, err
	}
	cfg.SendWindow = 30 * time.Second
	if cfg.TokenValidateEvery, err = durationEnv("TOKEN_VALIDATE_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	cfg.AutoRestoreSession = os.Getenv("AUTO_RESTORE_SESSION") != "0"

	cfg.CommandPrefix = strEnv("COMMAND_PREFIX", "!")
	cfg.CommandsDir = strEnv("COMMANDS_DIR", "commands")
	cfg.TextCommandsFile = strEnv("TEXT_COMMANDS_FILE", filepath.Join(cfg.CommandsDir, "commands.toml"))
	cfg.WatchCommands = os.Getenv("COMMANDS_WATCH") != "0"

	cfg.DataDir = strEnv("DATA_DIR", "data")
	// Default to a local SQLite file; postgres:// DSNs select the pgx driver.
	cfg.DBDsn = strEnv("DB_DSN", filepath.Join(cfg.DataDir, "seraphbot.db"))
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.HTTPAddr = strEnv("HTTP_ADDR", "127.0.0.1:8787")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.DiscordWebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	cfg.NotifyMessage = strEnv("NOTIFY_MESSAGE", "{user} is now live!")
	cfg.ChannelURL = os.Getenv("CHANNEL_URL")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the bot cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("SBOT_WORKERS must be >= 1, got %d", c.Workers)
	}
	if c.SendRate < 1 {
		return fmt.Errorf("CHAT_SEND_RATE must be >= 1, got %d", c.SendRate)
	}
	if c.CommandPrefix == "" {
		return fmt.Errorf("COMMAND_PREFIX must not be empty")
	}
	for name, port := range map[string]string{"EVENTSUB_PORT": c.EventSubPort, "HELIX_PORT": c.HelixPort, "LOGIN_PORT": c.LoginPort} {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid %s %q", name, port)
		}
	}
	return nil
}

func strEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (Go duration): %w", key, err)
	}
	return d, nil
}
