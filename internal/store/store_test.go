package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"brokersync/internal/broker/schwab"
	"brokersync/internal/models"
)

const testSecret = "test-secret-that-is-long-enough-123456"

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.RunMigrations(); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, nonce, err := enc.Encrypt("refresh-token-value", "schwab")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(ciphertext) == "refresh-token-value" {
		t.Fatal("ciphertext equals plaintext")
	}

	plaintext, err := enc.Decrypt(ciphertext, nonce, "schwab")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "refresh-token-value" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestEncryptorKeyIsolation(t *testing.T) {
	enc, err := NewEncryptor(testSecret)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, nonce, err := enc.Encrypt("secret", "schwab")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A different session name derives a different key.
	if _, err := enc.Decrypt(ciphertext, nonce, "other"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("cross-name decrypt error = %v, want ErrDecryptionFailed", err)
	}

	// Tampered ciphertext fails authentication.
	ciphertext[0] ^= 0xff
	if _, err := enc.Decrypt(ciphertext, nonce, "schwab"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered decrypt error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptorRejectsShortSecret(t *testing.T) {
	if _, err := NewEncryptor("too-short"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("error = %v, want ErrInvalidKey", err)
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	enc, err := NewEncryptor(testSecret)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	sessions := NewSessionStore(db, enc)

	expiresAt := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	saved := schwab.Session{
		Authenticated:   true,
		AccessToken:     "access-should-not-persist",
		RefreshToken:    "refresh-token-value",
		TokenType:       "Bearer",
		ExpiresAt:       expiresAt,
		GrantedScopes:   []string{"api", "readonly"},
		LastRefreshedAt: expiresAt.Add(-30 * time.Minute),
	}

	if err := sessions.Save("schwab", saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := sessions.Load("schwab")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("loaded session is nil")
	}
	if loaded.RefreshToken != "refresh-token-value" {
		t.Errorf("refresh token = %q", loaded.RefreshToken)
	}
	if loaded.AccessToken != "" {
		t.Error("access token was persisted")
	}
	if loaded.Authenticated {
		t.Error("loaded session claims to be authenticated")
	}
	if !loaded.ExpiresAt.Equal(expiresAt) {
		t.Errorf("expires at = %v, want %v", loaded.ExpiresAt, expiresAt)
	}
	if len(loaded.GrantedScopes) != 2 || loaded.GrantedScopes[0] != "api" {
		t.Errorf("scopes = %v", loaded.GrantedScopes)
	}
}

func TestSessionStoreUpsert(t *testing.T) {
	db := testDB(t)
	enc, _ := NewEncryptor(testSecret)
	sessions := NewSessionStore(db, enc)

	if err := sessions.Save("schwab", schwab.Session{RefreshToken: "first"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := sessions.Save("schwab", schwab.Session{RefreshToken: "second"}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := sessions.Load("schwab")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RefreshToken != "second" {
		t.Errorf("refresh token = %q, want the overwritten value", loaded.RefreshToken)
	}
}

func TestSessionStoreMissing(t *testing.T) {
	db := testDB(t)
	enc, _ := NewEncryptor(testSecret)
	sessions := NewSessionStore(db, enc)

	loaded, err := sessions.Load("nothing-here")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("loaded = %+v, want nil for a missing session", loaded)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	db := testDB(t)
	enc, _ := NewEncryptor(testSecret)
	sessions := NewSessionStore(db, enc)

	if err := sessions.Save("schwab", schwab.Session{RefreshToken: "gone-soon"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := sessions.Delete("schwab"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err := sessions.Load("schwab")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Error("session survived Delete")
	}
}

func TestHistoryStoreLifecycle(t *testing.T) {
	db := testDB(t)
	history := NewHistoryStore(db)

	if err := history.Start("run-1", "full"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	result := &models.SyncResult{
		RunID:              "run-1",
		Success:            true,
		AccountsSynced:     2,
		PositionsSynced:    5,
		TransactionsSynced: 40,
		Warnings:           []string{"one thing"},
	}
	if err := history.Complete("run-1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	entries, err := history.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e.RunID != "run-1" || e.Status != "completed" {
		t.Errorf("entry = %+v", e)
	}
	if e.AccountsSynced != 2 || e.TransactionsSynced != 40 || e.WarningsCount != 1 {
		t.Errorf("counters = %+v", e)
	}
	if e.CompletedAt == nil || e.DurationMs == nil {
		t.Error("completion fields not set")
	}
}

func TestHistoryStoreFail(t *testing.T) {
	db := testDB(t)
	history := NewHistoryStore(db)

	if err := history.Start("run-2", "full"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := history.Fail("run-2", "authentication failed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	entries, err := history.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "failed" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ErrorMessage != "authentication failed" {
		t.Errorf("error message = %q", entries[0].ErrorMessage)
	}
}

func TestHistoryStoreFailedResultMarksFailed(t *testing.T) {
	db := testDB(t)
	history := NewHistoryStore(db)

	if err := history.Start("run-3", "full"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	result := &models.SyncResult{
		RunID:   "run-3",
		Success: false,
		Errors:  []string{"broker unreachable", "second error"},
	}
	if err := history.Complete("run-3", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	entries, _ := history.Recent(10)
	if len(entries) != 1 || entries[0].Status != "failed" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].ErrorMessage != "broker unreachable; second error" {
		t.Errorf("error message = %q", entries[0].ErrorMessage)
	}
}
