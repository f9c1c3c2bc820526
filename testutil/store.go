package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/seraphbot/crypto"
	"github.com/onnwee/seraphbot/db"
)

// NewStore opens a migrated store for a test. It uses TEST_PG_DSN when set
// and a fresh SQLite file otherwise, so store-backed tests always run.
func NewStore(t *testing.T, enc crypto.Encryptor) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "seraphbot.db")
	}
	store, err := db.Open(context.Background(), dsn, enc)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
