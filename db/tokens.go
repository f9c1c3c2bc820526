package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/seraphbot/crypto"
)

// ProviderTwitch is the oauth_tokens row holding the chat session.
const ProviderTwitch = "twitch"

var (
	// ErrNoToken means no token is stored for the provider.
	ErrNoToken = errors.New("no stored token")
	// ErrEncryptionKeyMissing means the row is encrypted but no key is configured.
	ErrEncryptionKeyMissing = errors.New("token is encrypted but ENCRYPTION_KEY not configured")
)

// StoredToken is a persisted session: the oauth2 token plus the identity it
// was issued to.
type StoredToken struct {
	oauth2.Token
	Scope       string
	ClientID    string
	UserID      string
	Login       string
	DisplayName string
	UpdatedAt   time.Time
}

// SaveToken upserts the token for provider. With an encryptor configured the
// access and refresh tokens are sealed and encryption_version is 1.
func (s *Store) SaveToken(ctx context.Context, provider string, tok StoredToken) error {
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if s.enc != nil {
		var err error
		if access, err = crypto.EncryptString(s.enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(s.enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.enc.KeyID()
	}
	var expires int64
	if !tok.Expiry.IsZero() {
		expires = tok.Expiry.Unix()
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, token_type, expires_at, scope,
		    client_id, user_id, login, display_name, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=excluded.access_token,
		    refresh_token=excluded.refresh_token,
		    token_type=excluded.token_type,
		    expires_at=excluded.expires_at,
		    scope=excluded.scope,
		    client_id=excluded.client_id,
		    user_id=excluded.user_id,
		    login=excluded.login,
		    display_name=excluded.display_name,
		    encryption_version=excluded.encryption_version,
		    encryption_key_id=excluded.encryption_key_id,
		    updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, s.rebind(q), provider, access, refresh, tok.TokenType, expires, tok.Scope,
		tok.ClientID, tok.UserID, tok.Login, tok.DisplayName, encVersion, keyID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token for provider or ErrNoToken. Plaintext
// rows (encryption_version 0) are read as-is.
func (s *Store) LoadToken(ctx context.Context, provider string) (*StoredToken, error) {
	var (
		tok        StoredToken
		expires    int64
		updated    int64
		encVersion int
		keyID      string
	)
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT access_token, refresh_token, token_type, expires_at, scope,
		    client_id, user_id, login, display_name, encryption_version, encryption_key_id, updated_at
		  FROM oauth_tokens WHERE provider = $1`), provider)
	err := row.Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expires, &tok.Scope,
		&tok.ClientID, &tok.UserID, &tok.Login, &tok.DisplayName, &encVersion, &keyID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}

	if encVersion == 1 {
		if s.enc == nil {
			return nil, ErrEncryptionKeyMissing
		}
		if keyID != "" && keyID != s.enc.KeyID() {
			return nil, fmt.Errorf("token sealed with key %s, configured key is %s", keyID, s.enc.KeyID())
		}
		if tok.AccessToken, err = crypto.DecryptString(s.enc, tok.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = crypto.DecryptString(s.enc, tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if expires > 0 {
		tok.Expiry = time.Unix(expires, 0)
	}
	tok.UpdatedAt = time.Unix(updated, 0)
	return &tok, nil
}

// DeleteToken removes the stored token; deleting a missing row is not an error.
func (s *Store) DeleteToken(ctx context.Context, provider string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM oauth_tokens WHERE provider = $1`), provider); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// TokenRecord describes how a stored token is sealed, without decrypting it.
type TokenRecord struct {
	Provider          string
	EncryptionVersion int
	KeyID             string
}

// ListTokens returns every stored token's sealing state ordered by provider.
func (s *Store) ListTokens(ctx context.Context) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, encryption_version, encryption_key_id FROM oauth_tokens ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	var out []TokenRecord
	for rows.Next() {
		var r TokenRecord
		if err := rows.Scan(&r.Provider, &r.EncryptionVersion, &r.KeyID); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
