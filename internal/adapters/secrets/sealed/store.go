// Package sealed encrypts secrets with age before they reach another
// secret store, so file, sqlite and redis backends never hold plaintext.
package sealed

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/bnema/lattice/internal/ports"
)

// sealedPrefix marks values written by this store. Values without it were
// stored before encryption was enabled and are returned as they are; the
// next write seals them.
const sealedPrefix = "sealed-age:"

type Store struct {
	inner     ports.SecretStore
	identity  *age.X25519Identity
	recipient age.Recipient
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(inner ports.SecretStore, identity *age.X25519Identity) *Store {
	return &Store{inner: inner, identity: identity, recipient: identity.Recipient()}
}

// LoadOrCreateIdentity reads an age identity file, generating one with
// owner-only permissions when it does not exist yet.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentityFile(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read age identity: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create age identity directory: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write age identity: %w", err)
	}

	return identity, nil
}

func parseIdentityFile(data []byte) (*age.X25519Identity, error) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		return identity, nil
	}

	return nil, errors.New("age identity file holds no key")
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, value); err != nil {
		return fmt.Errorf("seal secret %q: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize sealed secret %q: %w", key, err)
	}

	return s.inner.Put(ctx, key, sealedPrefix+base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	stored, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}

	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed secret %q: %w", key, err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return "", fmt.Errorf("unseal secret %q: %w", key, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read unsealed secret %q: %w", key, err)
	}

	return string(plaintext), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
