// Package secrets encrypts workflow secrets at rest with AES-256-GCM.
// Only ciphertext reaches the storage layer; values are decrypted at
// task call time when a task requests them by name.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fluxhq/flux/pkg/storage"
)

// Manager encrypts and decrypts secrets backed by a Store.
type Manager struct {
	key   []byte // 32 bytes for AES-256
	store storage.Store
}

// NewManager creates a manager with a raw 32-byte key.
func NewManager(key []byte, store storage.Store) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Manager{key: key, store: store}, nil
}

// NewManagerFromPassword derives the encryption key from a password
// with SHA-256.
func NewManagerFromPassword(password string, store storage.Store) (*Manager, error) {
	if password == "" {
		return nil, fmt.Errorf("encryption password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewManager(hash[:], store)
}

// encrypt seals plaintext with a fresh nonce prepended.
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty value")
	}
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens ciphertext produced by encrypt.
func (m *Manager) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Set encrypts and stores a secret value.
func (m *Manager) Set(name, value string) error {
	if name == "" {
		return fmt.Errorf("secret name cannot be empty")
	}
	ciphertext, err := m.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}
	return m.store.PutSecret(name, ciphertext)
}

// Get decrypts and returns a secret value.
func (m *Manager) Get(name string) (string, error) {
	ciphertext, err := m.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	plaintext, err := m.decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns the stored secret names.
func (m *Manager) List() ([]string, error) {
	return m.store.ListSecretNames()
}

// Remove deletes a secret.
func (m *Manager) Remove(name string) error {
	if _, err := m.store.GetSecret(name); err != nil {
		return err
	}
	return m.store.DeleteSecret(name)
}

// Rotate re-encrypts a secret, optionally replacing its value. With
// an empty newValue the current value is kept and only the nonce and
// ciphertext change.
func (m *Manager) Rotate(name, newValue string) error {
	if newValue == "" {
		current, err := m.Get(name)
		if err != nil {
			return err
		}
		newValue = current
	} else if _, err := m.store.GetSecret(name); err != nil {
		return err
	}
	return m.Set(name, newValue)
}

// Resolve decrypts the named secrets for injection into a task call.
// It satisfies the engine's SecretSource interface.
func (m *Manager) Resolve(names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		value, err := m.Get(name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve secret %s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}
