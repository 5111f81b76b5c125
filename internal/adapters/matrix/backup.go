package matrix

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"

	"github.com/bnema/lattice/internal/domain"
)

const megolmBackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

var recoveryKeyPrefix = []byte{0x8b, 0x01}

type keyBackupVersion struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Count     int    `json:"count"`
	AuthData  struct {
		PublicKey string `json:"public_key"`
	} `json:"auth_data"`
}

// KeyBackupInfo returns the current server-side key backup, or nil when the
// server holds none.
func (c *Client) KeyBackupInfo(ctx context.Context) (*domain.KeyBackupInfo, error) {
	body, err := c.call(ctx, http.MethodGet, pathKeyVersion, true, nil)
	if err != nil {
		if matrixErr, ok := domain.AsMatrixError(err); ok && matrixErr.Code == domain.ErrCodeNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get key backup version: %w", err)
	}

	var version keyBackupVersion
	if err := json.Unmarshal(body, &version); err != nil {
		return nil, fmt.Errorf("parse key backup version: %w", err)
	}

	return &domain.KeyBackupInfo{
		Version:   version.Version,
		Algorithm: version.Algorithm,
		PublicKey: version.AuthData.PublicKey,
		Count:     version.Count,
	}, nil
}

func (c *Client) DeleteKeyBackup(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("%w: backup version is required", domain.ErrInvalidArgument)
	}
	if _, err := c.call(ctx, http.MethodDelete, pathKeyVersion+"/"+url.PathEscape(version), true, nil); err != nil {
		return fmt.Errorf("delete key backup: %w", err)
	}

	c.mu.Lock()
	c.backupKey = nil
	c.mu.Unlock()

	return nil
}

// CryptoIdentityState reports connected when the backup key held in memory
// matches the public key of the server's current backup.
func (c *Client) CryptoIdentityState(ctx context.Context) (domain.CryptoIdentityState, error) {
	if c.AccessToken() == "" {
		return domain.CryptoIdentityUnknown, fmt.Errorf("read crypto identity: %w", domain.ErrNoSession)
	}

	info, err := c.KeyBackupInfo(ctx)
	if err != nil {
		return domain.CryptoIdentityUnknown, err
	}
	if info == nil {
		return domain.CryptoIdentityUninitialized, nil
	}

	c.mu.RLock()
	key := c.backupKey
	c.mu.RUnlock()
	if key == nil {
		return domain.CryptoIdentityLocked, nil
	}
	matches, err := publicKeyMatches(key, info.PublicKey)
	if err != nil || !matches {
		return domain.CryptoIdentityLocked, nil
	}

	return domain.CryptoIdentityConnected, nil
}

// RestoreCryptoIdentity checks the recovery key against the server backup
// and keeps the decoded key for this session.
func (c *Client) RestoreCryptoIdentity(ctx context.Context, recoveryKey string) error {
	key, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return err
	}

	info, err := c.KeyBackupInfo(ctx)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: server holds no key backup", domain.ErrIllegalState)
	}
	if info.Algorithm != megolmBackupAlgorithm {
		return fmt.Errorf("unsupported key backup algorithm %q", info.Algorithm)
	}

	matches, err := publicKeyMatches(key, info.PublicKey)
	if err != nil {
		return fmt.Errorf("check backup public key: %w", err)
	}
	if !matches {
		return fmt.Errorf("%w: key does not match backup version %s", domain.ErrInvalidRecoveryKey, info.Version)
	}

	c.mu.Lock()
	c.backupKey = key
	c.mu.Unlock()
	c.logger.Info().Str("version", info.Version).Msg("key backup connected")

	return nil
}

// DecodeRecoveryKey parses a base58 recovery key as shown to users, with
// spaces allowed between groups.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	compact := strings.Join(strings.Fields(recoveryKey), "")
	if compact == "" {
		return nil, fmt.Errorf("%w: empty", domain.ErrInvalidRecoveryKey)
	}

	raw, err := base58.Decode(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRecoveryKey, err)
	}
	if len(raw) != len(recoveryKeyPrefix)+curve25519.ScalarSize+1 {
		return nil, fmt.Errorf("%w: wrong length", domain.ErrInvalidRecoveryKey)
	}
	if !bytes.HasPrefix(raw, recoveryKeyPrefix) {
		return nil, fmt.Errorf("%w: wrong prefix", domain.ErrInvalidRecoveryKey)
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("%w: parity check failed", domain.ErrInvalidRecoveryKey)
	}

	return raw[len(recoveryKeyPrefix) : len(raw)-1], nil
}

// EncodeRecoveryKey is the inverse of DecodeRecoveryKey, grouping the output
// in blocks of four characters.
func EncodeRecoveryKey(key []byte) string {
	raw := append(append([]byte{}, recoveryKeyPrefix...), key...)
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	encoded := base58.Encode(append(raw, parity))

	var groups []string
	for len(encoded) > 4 {
		groups = append(groups, encoded[:4])
		encoded = encoded[4:]
	}
	groups = append(groups, encoded)

	return strings.Join(groups, " ")
}

func publicKeyMatches(privateKey []byte, published string) (bool, error) {
	public, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return false, err
	}

	return base64.RawStdEncoding.EncodeToString(public) == strings.TrimRight(published, "="), nil
}
