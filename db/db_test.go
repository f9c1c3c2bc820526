package db

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/seraphbot/crypto"
	"github.com/onnwee/seraphbot/model"
)

func openTestStore(t *testing.T, enc crypto.Encryptor) *Store {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "test.db"), enc)
}

func openStoreAt(t *testing.T, dsn string, enc crypto.Encryptor) *Store {
	t.Helper()
	s, err := Open(context.Background(), dsn, enc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testEncryptor(t *testing.T, fill byte) crypto.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestDialectFor(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://u:p@localhost/db":   Postgres,
		"postgresql://u:p@localhost/db": Postgres,
		"data/seraphbot.db":             SQLite,
		":memory:":                      SQLite,
	}
	for dsn, want := range cases {
		if got := DialectFor(dsn); got != want {
			t.Errorf("DialectFor(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: SQLite}
	if got := s.rebind("a=$1 AND b=$2 AND c=$10"); got != "a=? AND b=? AND c=?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
	pg := &Store{dialect: Postgres}
	if got := pg.rebind("a=$1"); got != "a=$1" {
		t.Fatalf("postgres rebind = %q", got)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t, nil)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, dirty, err := s.MigrationVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 || dirty {
		t.Fatalf("version = %d dirty=%v", v, dirty)
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "bot.db")
	openStoreAt(t, path, nil)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func sampleToken() StoredToken {
	return StoredToken{
		Token: oauth2.Token{
			AccessToken:  "access-123",
			RefreshToken: "refresh-456",
			TokenType:    "bearer",
			Expiry:       time.Unix(1_900_000_000, 0),
		},
		Scope:       "user:read:chat user:write:chat",
		ClientID:    "cid",
		UserID:      "42",
		Login:       "seraph",
		DisplayName: "Seraph",
	}
}

func TestTokenRoundTripPlaintext(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.LoadToken(ctx, ProviderTwitch); !errors.Is(err, ErrNoToken) {
		t.Fatalf("LoadToken on empty = %v, want ErrNoToken", err)
	}
	if err := s.SaveToken(ctx, ProviderTwitch, sampleToken()); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadToken(ctx, ProviderTwitch)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleToken()
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || !got.Expiry.Equal(want.Expiry) ||
		got.UserID != "42" || got.Login != "seraph" || got.DisplayName != "Seraph" || got.ClientID != "cid" || got.Scope != want.Scope {
		t.Fatalf("unexpected token %+v", got)
	}

	// Upsert replaces the row.
	next := sampleToken()
	next.AccessToken = "access-789"
	next.Expiry = time.Time{}
	if err := s.SaveToken(ctx, ProviderTwitch, next); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadToken(ctx, ProviderTwitch)
	if got.AccessToken != "access-789" || !got.Expiry.IsZero() {
		t.Fatalf("after upsert %+v", got)
	}

	if err := s.DeleteToken(ctx, ProviderTwitch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadToken(ctx, ProviderTwitch); !errors.Is(err, ErrNoToken) {
		t.Fatalf("after delete = %v", err)
	}
}

func TestTokenEncryptedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.db")
	enc := testEncryptor(t, 7)
	s := openStoreAt(t, path, enc)
	ctx := context.Background()
	if err := s.SaveToken(ctx, ProviderTwitch, sampleToken()); err != nil {
		t.Fatal(err)
	}

	var raw string
	var version int
	if err := s.DB().QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider = ?`, ProviderTwitch).Scan(&raw, &version); err != nil {
		t.Fatal(err)
	}
	if version != 1 || raw == "access-123" || strings.Contains(raw, "access") {
		t.Fatalf("token not sealed: version=%d raw=%q", version, raw)
	}

	got, err := s.LoadToken(ctx, ProviderTwitch)
	if err != nil || got.AccessToken != "access-123" || got.RefreshToken != "refresh-456" {
		t.Fatalf("LoadToken = %+v, %v", got, err)
	}

	// Same rows seen without a key, and with a different key.
	noKey := &Store{db: s.db, dialect: s.dialect}
	if _, err := noKey.LoadToken(ctx, ProviderTwitch); !errors.Is(err, ErrEncryptionKeyMissing) {
		t.Fatalf("without key err = %v", err)
	}
	otherKey := &Store{db: s.db, dialect: s.dialect, enc: testEncryptor(t, 9)}
	if _, err := otherKey.LoadToken(ctx, ProviderTwitch); err == nil || !strings.Contains(err.Error(), "sealed with key") {
		t.Fatalf("with other key err = %v", err)
	}
}

func TestPlaintextRowReadableWithKey(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	if err := s.SaveToken(ctx, ProviderTwitch, sampleToken()); err != nil {
		t.Fatal(err)
	}
	withKey := &Store{db: s.db, dialect: s.dialect, enc: testEncryptor(t, 1)}
	got, err := withKey.LoadToken(ctx, ProviderTwitch)
	if err != nil || got.AccessToken != "access-123" {
		t.Fatalf("LoadToken = %+v, %v", got, err)
	}
}

func TestChatArchiveQueries(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	msgs := []ArchivedMessage{
		{ChatMessage: model.ChatMessage{User: "alice", Text: "one", Color: "#FF0000", Badges: []string{"moderator", "subscriber"}}, ReceivedAt: base},
		{ChatMessage: model.SystemMessage("Chat clear requested"), ReceivedAt: base.Add(time.Second)},
		{ChatMessage: model.ChatMessage{User: "bob", Text: "three"}, ReceivedAt: base.Add(2 * time.Second)},
	}
	if err := s.InsertChatMessages(ctx, msgs); err != nil {
		t.Fatal(err)
	}
	if n, err := s.CountChatMessages(ctx); err != nil || n != 3 {
		t.Fatalf("count = %d, %v", n, err)
	}
	got, err := s.RecentChatMessages(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].User != model.SystemUser || got[1].Text != "three" {
		t.Fatalf("recent = %+v", got)
	}
	all, _ := s.RecentChatMessages(ctx, 0)
	if len(all[0].Badges) != 2 || all[0].Badges[0] != "moderator" || !all[0].ReceivedAt.Equal(base) {
		t.Fatalf("first = %+v", all[0])
	}
	if all[2].Badges != nil {
		t.Fatalf("empty badges should read back as nil, got %v", all[2].Badges)
	}
}

func TestKV(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	if _, ok, err := s.GetKV(ctx, "missing"); ok || err != nil {
		t.Fatalf("GetKV missing = %v, %v", ok, err)
	}
	if err := s.SetKV(ctx, "prefix", "!"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetKV(ctx, "prefix", "?"); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := s.GetKV(ctx, "prefix"); !ok || err != nil || v != "?" {
		t.Fatalf("GetKV = %q %v %v", v, ok, err)
	}
}

func TestPostgresMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	s := openStoreAt(t, dsn, nil)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveToken(ctx, "test-provider", sampleToken()); err != nil {
		t.Fatal(err)
	}
	defer s.DeleteToken(ctx, "test-provider")
	got, err := s.LoadToken(ctx, "test-provider")
	if err != nil || got.AccessToken != "access-123" {
		t.Fatalf("LoadToken = %+v, %v", got, err)
	}
}
