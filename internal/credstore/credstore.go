// Package credstore persists the bearer credential and the denormalized
// identity snapshot between runs. The record is a single unit: it is written
// together and cleared together, so a stored identity can never outlive its
// credential.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"pixelmuse/client/internal/domain"
)

// ErrNoCredential is returned by Load when nothing is persisted.
var ErrNoCredential = errors.New("no persisted credential")

const (
	recordFile = "session.enc"
	secretFile = "secret"
)

// Record is the durable client-local session state.
type Record struct {
	Credential string          `json:"credential"`
	Identity   domain.Identity `json:"identity"`
	SavedAt    time.Time       `json:"saved_at"`
}

// Store writes records encrypted at rest. The AEAD key is derived from a
// per-install random secret, so a copied record file is useless on another
// machine.
type Store struct {
	dir string
	log zerolog.Logger
}

func New(dir string, log zerolog.Logger) *Store {
	return &Store{dir: dir, log: log.With().Str("component", "credstore").Logger()}
}

func (s *Store) Save(rec Record) error {
	if rec.Credential == "" {
		return fmt.Errorf("refusing to persist empty credential")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	sealed, err := seal(key, plain)
	if err != nil {
		return fmt.Errorf("seal session record: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, recordFile), sealed, 0o600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}

	s.log.Debug().Str("user_id", rec.Identity.ID).Msg("session record persisted")
	return nil
}

func (s *Store) Load() (Record, error) {
	sealed, err := os.ReadFile(filepath.Join(s.dir, recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNoCredential
		}
		return Record{}, fmt.Errorf("read session record: %w", err)
	}

	key, err := s.loadKey()
	if err != nil {
		return Record{}, err
	}

	plain, err := open(key, sealed)
	if err != nil {
		return Record{}, fmt.Errorf("open session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	if rec.Credential == "" {
		return Record{}, ErrNoCredential
	}
	return rec, nil
}

// Clear removes the persisted record. Clearing an empty store is not an
// error.
func (s *Store) Clear() error {
	err := os.Remove(filepath.Join(s.dir, recordFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}

func (s *Store) loadOrCreateKey() ([]byte, error) {
	key, err := s.loadKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("generate install secret: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, secretFile), secret, 0o600); err != nil {
		return nil, fmt.Errorf("write install secret: %w", err)
	}
	s.log.Debug().Msg("install secret created")
	return deriveKey(secret)
}

func (s *Store) loadKey() ([]byte, error) {
	secret, err := os.ReadFile(filepath.Join(s.dir, secretFile))
	if err != nil {
		return nil, fmt.Errorf("read install secret: %w", err)
	}
	return deriveKey(secret)
}

func deriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("pixelmuse/credstore"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	return key, nil
}

// seal prepends the random nonce to the ciphertext.
func seal(key, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed record too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
