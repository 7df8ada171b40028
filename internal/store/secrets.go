package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no secret exists for (service, account).
	ErrNotFound = errors.New("store: secret not found")

	// ErrCorrupt is returned when a stored secret fails authentication or
	// decryption. No plaintext is returned with it.
	ErrCorrupt = errors.New("store: secret corrupt or encrypted with another key")
)

// GenerateKey returns a new base64-encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}

// LoadOrCreateKey reads the key file at path, generating it with mode 0600
// when it does not exist.
func LoadOrCreateKey(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from config.
	if err == nil {
		key := strings.TrimSpace(string(data))
		if _, err := fernet.DecodeKey(key); err != nil {
			return "", fmt.Errorf("key file %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read key file: %w", err)
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // Path is from config.
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// SecretStore keeps credentials encrypted at rest.
type SecretStore struct {
	db  *gorm.DB
	key *fernet.Key
}

// Secrets returns a SecretStore encrypting with the base64 fernet key.
func (d *DB) Secrets(encodedKey string) (*SecretStore, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	return &SecretStore{db: d.db, key: key}, nil
}

// Get returns the secret for (service, account).
func (s *SecretStore) Get(ctx context.Context, service, account string) ([]byte, error) {
	var row Secret
	err := s.db.WithContext(ctx).
		Where("service = ? AND account = ?", service, account).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}

	msg := fernet.VerifyAndDecrypt(row.Token, 0, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrCorrupt
	}
	return msg, nil
}

// Put stores secret for (service, account), replacing any previous value.
func (s *SecretStore) Put(ctx context.Context, service, account string, secret []byte) error {
	if len(secret) == 0 {
		return errors.New("put secret: empty secret")
	}

	tok, err := fernet.EncryptAndSign(secret, s.key)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	row := Secret{Service: service, Account: account, Token: tok, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}, {Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// Delete removes the secret for (service, account). It returns ErrNotFound if
// there was none.
func (s *SecretStore) Delete(ctx context.Context, service, account string) error {
	res := s.db.WithContext(ctx).
		Where("service = ? AND account = ?", service, account).
		Delete(&Secret{})
	if res.Error != nil {
		return fmt.Errorf("delete secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
