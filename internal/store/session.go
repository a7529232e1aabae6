package store

import (
	"database/sql"
	"strings"
	"time"

	"brokersync/internal/broker/schwab"
)

// SessionStore persists broker OAuth sessions. The refresh token is the only
// secret stored, and it is encrypted at rest; access tokens are short-lived
// and re-obtained via refresh on startup.
type SessionStore struct {
	db        *DB
	encryptor *Encryptor
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *DB, encryptor *Encryptor) *SessionStore {
	return &SessionStore{db: db, encryptor: encryptor}
}

// Save upserts the session under the given name.
func (s *SessionStore) Save(name string, session schwab.Session) error {
	var ciphertext, nonce []byte
	if session.RefreshToken != "" {
		var err error
		ciphertext, nonce, err = s.encryptor.Encrypt(session.RefreshToken, name)
		if err != nil {
			return err
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO broker_sessions (name, refresh_token_encrypted, refresh_nonce, token_type, scopes, expires_at, last_refreshed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			refresh_token_encrypted = excluded.refresh_token_encrypted,
			refresh_nonce = excluded.refresh_nonce,
			token_type = excluded.token_type,
			scopes = excluded.scopes,
			expires_at = excluded.expires_at,
			last_refreshed_at = excluded.last_refreshed_at,
			updated_at = CURRENT_TIMESTAMP
	`, name, ciphertext, nonce, session.TokenType,
		strings.Join(session.GrantedScopes, " "), session.ExpiresAt, session.LastRefreshedAt)
	return err
}

// Load retrieves and decrypts the session stored under name. Returns nil
// when no session exists.
func (s *SessionStore) Load(name string) (*schwab.Session, error) {
	row := s.db.QueryRow(`
		SELECT refresh_token_encrypted, refresh_nonce, token_type, scopes, expires_at, last_refreshed_at
		FROM broker_sessions
		WHERE name = ?
	`, name)

	var ciphertext, nonce []byte
	var tokenType, scopes string
	var expiresAt, lastRefreshedAt sql.NullTime

	err := row.Scan(&ciphertext, &nonce, &tokenType, &scopes, &expiresAt, &lastRefreshedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session := &schwab.Session{TokenType: tokenType}
	if len(ciphertext) > 0 {
		refreshToken, err := s.encryptor.Decrypt(ciphertext, nonce, name)
		if err != nil {
			return nil, err
		}
		session.RefreshToken = refreshToken
	}
	if scopes != "" {
		session.GrantedScopes = strings.Fields(scopes)
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	if lastRefreshedAt.Valid {
		session.LastRefreshedAt = lastRefreshedAt.Time
	}
	session.Authenticated = false // access token is never persisted

	return session, nil
}

// Delete removes the session stored under name.
func (s *SessionStore) Delete(name string) error {
	_, err := s.db.Exec(`DELETE FROM broker_sessions WHERE name = ?`, name)
	return err
}

// UpdatedAt returns when the named session was last written.
func (s *SessionStore) UpdatedAt(name string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRow(`SELECT updated_at FROM broker_sessions WHERE name = ?`, name).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return updatedAt, err
}
