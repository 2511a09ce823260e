// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fonoteka/fonoteka/internal/dbinterface"
)

var ErrNoCredentials = errors.New("no stored credentials")

// CredentialStore persists the single tracker account, password encrypted
// with AES-GCM under a key derived from the config session secret.
type CredentialStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

const credentialKeySalt = "fonoteka-credentials-v1"

// DeriveEncryptionKey stretches the session secret into a 32-byte AES key.
func DeriveEncryptionKey(sessionSecret string) []byte {
	return pbkdf2.Key([]byte(sessionSecret), []byte(credentialKeySalt), 4096, 32, sha256.New)
}

func NewCredentialStore(db dbinterface.Querier, encryptionKey []byte) (*CredentialStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &CredentialStore{db: db, encryptionKey: encryptionKey}, nil
}

// Store saves the account, replacing any previous one.
func (s *CredentialStore) Store(ctx context.Context, username, password string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}

	encrypted, err := s.encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}

	const query = `
		INSERT INTO credentials (id, username, password_encrypted, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			password_encrypted = excluded.password_encrypted,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, username, encrypted); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Get returns the stored account with the password decrypted.
func (s *CredentialStore) Get(ctx context.Context) (username, password string, err error) {
	var encrypted string
	err = s.db.QueryRowContext(ctx, `SELECT username, password_encrypted FROM credentials WHERE id = 1`).
		Scan(&username, &encrypted)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", ErrNoCredentials
		}
		return "", "", fmt.Errorf("get credentials: %w", err)
	}

	password, err = s.decrypt(encrypted)
	if err != nil {
		return "", "", fmt.Errorf("decrypt password: %w", err)
	}
	return username, password, nil
}

// Delete removes the stored account.
func (s *CredentialStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *CredentialStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *CredentialStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, rest := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, rest, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
