// Package main provides a CLI tool that seals stored session tokens with the
// configured ENCRYPTION_KEY.
//
// Plaintext rows (encryption_version=0) are encrypted with AES-256-GCM. Rows
// sealed with a previous key are re-sealed when OLD_ENCRYPTION_KEY is set.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER] [--status]
//
// Flags:
//
//	--dry-run: Show what would be migrated without making changes
//	--provider: Migrate a single provider row only (default: all)
//	--status: Only report how every row is sealed
//
// Environment Variables:
//
//	DB_DSN: Database connection string (default: DATA_DIR/seraphbot.db)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//	OLD_ENCRYPTION_KEY: Key the rows are currently sealed with, for rotation
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/seraphbot/config"
	"github.com/onnwee/seraphbot/crypto"
	"github.com/onnwee/seraphbot/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate a single provider row only (default: all)")
	statusOnly := flag.Bool("status", false, "Only report how every row is sealed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}

	encryptor, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	dst, err := db.Open(ctx, cfg.DBDsn, encryptor)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer dst.Close()
	if err := dst.Migrate(); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	if *statusOnly {
		if err := reportStatus(ctx, dst); err != nil {
			slog.Error("status failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	src := dst
	if oldKey := os.Getenv("OLD_ENCRYPTION_KEY"); oldKey != "" {
		oldEnc, err := crypto.NewAESEncryptor(oldKey)
		if err != nil {
			slog.Error("failed to initialize old encryptor", slog.Any("error", err))
			os.Exit(1)
		}
		if src, err = db.Open(ctx, cfg.DBDsn, oldEnc); err != nil {
			slog.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer src.Close()
	}

	if _, err := migrateTokens(ctx, src, dst, encryptor.KeyID(), *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("migration completed successfully")
}

// needsMigration reports whether the row is not sealed with keyID.
func needsMigration(r db.TokenRecord, keyID string) bool {
	return r.EncryptionVersion == 0 || r.KeyID != keyID
}

// migrateTokens re-saves every row not sealed with keyID. Rows are read
// through src, whose encryptor must open them, and written through dst.
func migrateTokens(ctx context.Context, src, dst *db.Store, keyID string, dryRun bool, providerFilter string) (int, error) {
	records, err := dst.ListTokens(ctx)
	if err != nil {
		return 0, err
	}
	var todo []db.TokenRecord
	for _, r := range records {
		if providerFilter != "" && r.Provider != providerFilter {
			continue
		}
		if needsMigration(r, keyID) {
			todo = append(todo, r)
		}
	}

	if len(todo) == 0 {
		slog.Info("no tokens need migration")
		return 0, nil
	}

	slog.Info("found tokens to migrate",
		slog.Int("count", len(todo)),
		slog.Bool("dry_run", dryRun))

	migratedCount := 0
	errorCount := 0

	for i, r := range todo {
		logger := slog.With(
			slog.String("provider", r.Provider),
			slog.Int("encryption_version", r.EncryptionVersion),
			slog.Int("index", i+1),
			slog.Int("total", len(todo)))

		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migratedCount++
			continue
		}

		tok, err := src.LoadToken(ctx, r.Provider)
		if err != nil {
			logger.Error("failed to read token", slog.Any("error", err))
			errorCount++
			continue
		}
		if err := dst.SaveToken(ctx, r.Provider, *tok); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errorCount++
			continue
		}

		logger.Info("migrated token successfully")
		migratedCount++
	}

	slog.Info("migration summary",
		slog.Int("total", len(todo)),
		slog.Int("migrated", migratedCount),
		slog.Int("errors", errorCount),
		slog.Bool("dry_run", dryRun))

	if errorCount > 0 {
		return migratedCount, fmt.Errorf("migration completed with %d errors", errorCount)
	}
	return migratedCount, nil
}

// reportStatus logs how each stored token is sealed.
func reportStatus(ctx context.Context, store *db.Store) error {
	records, err := store.ListTokens(ctx)
	if err != nil {
		return err
	}
	slog.Info("token encryption status:")
	for _, r := range records {
		desc := "plaintext"
		switch r.EncryptionVersion {
		case 0:
		case 1:
			desc = "encrypted (AES-256-GCM)"
		default:
			desc = fmt.Sprintf("unknown version %d", r.EncryptionVersion)
		}
		slog.Info("  token",
			slog.String("provider", r.Provider),
			slog.String("description", desc),
			slog.String("key_id", r.KeyID))
	}
	slog.Info("total tokens", slog.Int("count", len(records)))
	return nil
}
