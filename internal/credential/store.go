// Package credential encrypts per-device secrets (Hue application keys,
// MQTT broker passwords, ESPHome API encryption keys) at rest in the local
// SQLite cache using ChaCha20-Poly1305. The daemon process holds the
// master key in memory only; it is never written to the database.
package credential

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNotFound is returned when no credential is stored for a device.
var ErrNotFound = errors.New("credential: not found")

// conn is the minimal DB seam the store needs, satisfied by *sql.DB so
// credential does not import internal/localstore and create a cycle.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store encrypts and decrypts device credentials with a single AEAD key
// supplied at construction (derived from config, never persisted).
type Store struct {
	db   conn
	aead cipher.AEAD
}

// New builds a Store from a 32-byte master key.
func New(db conn, masterKey []byte) (*Store, error) {
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("credential: init aead: %w", err)
	}
	return &Store{db: db, aead: aead}, nil
}

// Put encrypts and stores plaintext for deviceID, replacing any prior value.
func (s *Store) Put(ctx context.Context, deviceID, protocol string, plaintext []byte) error {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("credential: generate nonce: %w", err)
	}

	ciphertext := s.aead.Seal(nil, nonce, plaintext, []byte(deviceID))
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (device_id, protocol, ciphertext, nonce, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			protocol=excluded.protocol, ciphertext=excluded.ciphertext, nonce=excluded.nonce, rotated_at=excluded.rotated_at
	`, deviceID, protocol, ciphertext, nonce, now, now)
	if err != nil {
		return fmt.Errorf("credential: put: %w", err)
	}
	return nil
}

// Get decrypts and returns the plaintext credential for deviceID.
func (s *Store) Get(ctx context.Context, deviceID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ciphertext, nonce FROM credentials WHERE device_id = ?`, deviceID)

	var ciphertext, nonce []byte
	if err := row.Scan(&ciphertext, &nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credential: get: %w", err)
	}

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(deviceID))
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt: %w", err)
	}
	return plaintext, nil
}

// Delete removes a stored credential. It is not an error if none exists.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("credential: delete: %w", err)
	}
	return nil
}
