package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/utils"
)

// Secrets stores per-extension secrets sealed at rest.
type Secrets struct {
	dir     string
	keyFile string

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewSecrets creates a secret store under dir using keyFile, which is
// created with 0600 permissions on first use.
func NewSecrets(dir, keyFile string) *Secrets {
	return &Secrets{dir: dir, keyFile: keyFile}
}

func (s *Secrets) sealer() (cipher.AEAD, error) {
	if s.aead != nil {
		return s.aead, nil
	}
	key, err := loadOrCreateKey(s.keyFile)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return aead, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("secret key %s has %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read secret key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := utils.WriteFileAtomic(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Secrets) file(extensionID string) (string, error) {
	if err := paths.ValidateExtensionID(extensionID); err != nil {
		return "", errs.Wrap(errs.CodeInvalidParams, err, "invalid extension id")
	}
	return filepath.Join(s.dir, extensionID+".json"), nil
}

func (s *Secrets) read(path string) (map[string]string, error) {
	sealed := make(map[string]string)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sealed, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "failed to read secrets")
	}
	if err := sonic.Unmarshal(data, &sealed); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "secret file is corrupt")
	}
	return sealed, nil
}

func (s *Secrets) write(path string, sealed map[string]string) error {
	data, err := sonic.ConfigStd.Marshal(sealed)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to encode secrets")
	}
	if err := utils.WriteFileAtomic(path, data, 0o600); err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to persist secrets")
	}
	return nil
}

func additionalData(extensionID, key string) []byte {
	return []byte(extensionID + "\x00" + key)
}

// Get returns a secret.
func (s *Secrets) Get(extensionID, key string) (string, bool, error) {
	path, err := s.file(extensionID)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.read(path)
	if err != nil {
		return "", false, err
	}
	enc, ok := sealed[key]
	if !ok {
		return "", false, nil
	}
	aead, err := s.sealer()
	if err != nil {
		return "", false, errs.Wrap(errs.CodeInternal, err, "secret key unavailable")
	}

	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(raw) < aead.NonceSize() {
		return "", false, errs.New(errs.CodeInternal, "secret %q is corrupt", key)
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], additionalData(extensionID, key))
	if err != nil {
		return "", false, errs.Wrap(errs.CodeInternal, err, "secret %q cannot be opened", key)
	}
	return string(plain), true, nil
}

// Store seals and saves a secret.
func (s *Secrets) Store(extensionID, key, value string) error {
	if key == "" {
		return errs.New(errs.CodeInvalidParams, "key is required")
	}
	path, err := s.file(extensionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := s.sealer()
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "secret key unavailable")
	}
	sealed, err := s.read(path)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+16)
	if _, err := rand.Read(nonce); err != nil {
		return errs.Wrap(errs.CodeInternal, err, "failed to generate nonce")
	}
	out := aead.Seal(nonce, nonce, []byte(value), additionalData(extensionID, key))
	sealed[key] = base64.StdEncoding.EncodeToString(out)
	return s.write(path, sealed)
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (s *Secrets) Delete(extensionID, key string) error {
	path, err := s.file(extensionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.read(path)
	if err != nil {
		return err
	}
	if _, ok := sealed[key]; !ok {
		return nil
	}
	delete(sealed, key)
	return s.write(path, sealed)
}

// Forget removes every secret of an extension.
func (s *Secrets) Forget(extensionID string) error {
	path, err := s.file(extensionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(errs.CodeInternal, err, "failed to remove secrets")
	}
	return nil
}
