// Package settings persists sync configuration encrypted at rest, so
// credentials never touch disk in plain text.
package settings

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"taskist-core/domain"
)

const (
	keySize   = 32 // AES-256
	keyFile   = "encryption.key"
	storeFile = "settings.enc"
)

// Gateway stores one SyncSettings document under dir, sealed with a
// machine-local AES-GCM key that is generated on first use.
type Gateway struct {
	keyPath  string
	filePath string
}

func NewGateway(dir string) (*Gateway, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Gateway{
		keyPath:  filepath.Join(dir, keyFile),
		filePath: filepath.Join(dir, storeFile),
	}, nil
}

// Get returns the persisted settings, or mode-appropriate defaults when
// nothing has been saved yet.
func (g *Gateway) Get() (domain.SyncSettings, error) {
	encoded, err := os.ReadFile(g.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.SyncSettings{}, fmt.Errorf("read settings: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return domain.SyncSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	key, err := g.loadKey()
	if err != nil {
		return domain.SyncSettings{}, err
	}
	plain, err := open(key, sealed)
	if err != nil {
		return domain.SyncSettings{}, fmt.Errorf("decrypt settings: %w", err)
	}
	var s domain.SyncSettings
	if err := json.Unmarshal(plain, &s); err != nil {
		return domain.SyncSettings{}, fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save validates the settings and persists them encrypted. On a validation
// failure nothing is written and the ValidationError lists every offending
// field. Save never touches the replication engine; the caller orchestrates
// save-then-restart.
func (g *Gateway) Save(s domain.SyncSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("serialize settings: %w", err)
	}
	key, err := g.loadKey()
	if err != nil {
		return err
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return fmt.Errorf("encrypt settings: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := os.WriteFile(g.filePath, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Clear removes the persisted settings, reverting Get to defaults.
func (g *Gateway) Clear() error {
	if err := os.Remove(g.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove settings: %w", err)
	}
	return nil
}

func (g *Gateway) loadKey() ([]byte, error) {
	key, err := os.ReadFile(g.keyPath)
	if err == nil {
		if len(key) != keySize {
			return nil, errors.New("invalid encryption key length")
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	if err := os.WriteFile(g.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write encryption key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext with AES-GCM, prepending the nonce.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed data too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
