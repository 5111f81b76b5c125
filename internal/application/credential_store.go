package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const (
	keyPrefix            = "lattice_"
	recoveryKeyPrefix    = "ssss_recovery_key_"
	suffixAccessToken    = "access_token"
	suffixUserID         = "user_id"
	suffixHomeserver     = "homeserver"
	suffixDeviceID       = "device_id"
	suffixOlmAccount     = "olm_account"
	sessionBackupKeyBase = "lattice_session_backup_"
)

var credentialSuffixes = []string{
	suffixAccessToken,
	suffixUserID,
	suffixHomeserver,
	suffixDeviceID,
	suffixOlmAccount,
}

// CredentialStore keeps the session secrets of one account in the secret
// store under the lattice_<account>_ namespace.
type CredentialStore struct {
	store   ports.SecretStore
	account domain.AccountName
	logger  zerolog.Logger
}

func NewCredentialStore(store ports.SecretStore, account domain.AccountName, logger zerolog.Logger) *CredentialStore {
	if account == "" {
		account = domain.DefaultAccountName
	}

	return &CredentialStore{store: store, account: account, logger: logger}
}

func (c *CredentialStore) Account() domain.AccountName {
	return c.account
}

func (c *CredentialStore) key(suffix string) string {
	return keyPrefix + string(c.account) + "_" + suffix
}

func legacyKey(suffix string) string {
	return keyPrefix + suffix
}

func recoveryKeyName(userID string) string {
	return recoveryKeyPrefix + userID
}

func (c *CredentialStore) Persist(ctx context.Context, session domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("persist credentials: %w", errors.Join(domain.ErrInvalidArgument, err))
	}

	values := map[string]string{
		suffixAccessToken: session.AccessToken,
		suffixUserID:      session.UserID,
		suffixHomeserver:  session.Homeserver,
		suffixDeviceID:    session.DeviceID,
		suffixOlmAccount:  session.OlmAccountPickle,
	}
	for _, suffix := range credentialSuffixes {
		value := values[suffix]
		if value == "" {
			if err := c.store.Delete(ctx, c.key(suffix)); err != nil {
				return fmt.Errorf("clear credential %s: %w", suffix, err)
			}
			continue
		}
		if err := c.store.Put(ctx, c.key(suffix), value); err != nil {
			return fmt.Errorf("store credential %s: %w", suffix, err)
		}
	}

	return nil
}

// Read returns the stored session. A missing or partial key set reads as no
// session at all.
func (c *CredentialStore) Read(ctx context.Context) (domain.Session, bool, error) {
	values := make(map[string]string, len(credentialSuffixes))
	for _, suffix := range credentialSuffixes {
		value, err := c.store.Get(ctx, c.key(suffix))
		if err != nil {
			if errors.Is(err, domain.ErrSecretNotFound) {
				continue
			}
			return domain.Session{}, false, fmt.Errorf("read credential %s: %w", suffix, err)
		}
		values[suffix] = value
	}

	session := domain.Session{
		AccessToken:      values[suffixAccessToken],
		UserID:           values[suffixUserID],
		Homeserver:       values[suffixHomeserver],
		DeviceID:         values[suffixDeviceID],
		OlmAccountPickle: values[suffixOlmAccount],
	}
	if session.Validate() != nil {
		if !session.IsZero() {
			c.logger.Warn().Str("account", string(c.account)).Msg("ignoring incomplete stored credentials")
		}
		return domain.Session{}, false, nil
	}

	return session, true, nil
}

func (c *CredentialStore) UpdateAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("update access token: %w: token is empty", domain.ErrInvalidArgument)
	}
	if err := c.store.Put(ctx, c.key(suffixAccessToken), token); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	return nil
}

// Erase removes every credential key. Missing keys are fine; real storage
// failures are joined so one bad key does not stop the others.
func (c *CredentialStore) Erase(ctx context.Context) error {
	var errs []error
	for _, suffix := range credentialSuffixes {
		if err := c.store.Delete(ctx, c.key(suffix)); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
			errs = append(errs, fmt.Errorf("delete credential %s: %w", suffix, err))
		}
	}

	return errors.Join(errs...)
}

// MigrateLegacy moves the unnamespaced keys of the single-account layout under
// the default account namespace. It reports whether anything was moved.
func (c *CredentialStore) MigrateLegacy(ctx context.Context) (bool, error) {
	if c.account != domain.DefaultAccountName {
		return false, nil
	}

	migrated := false
	for _, suffix := range credentialSuffixes {
		value, err := c.store.Get(ctx, legacyKey(suffix))
		if err != nil {
			if errors.Is(err, domain.ErrSecretNotFound) {
				continue
			}
			return migrated, fmt.Errorf("read legacy credential %s: %w", suffix, err)
		}

		_, err = c.store.Get(ctx, c.key(suffix))
		switch {
		case err == nil:
			// namespaced value wins, the legacy one is stale
		case errors.Is(err, domain.ErrSecretNotFound):
			if err := c.store.Put(ctx, c.key(suffix), value); err != nil {
				return migrated, fmt.Errorf("store migrated credential %s: %w", suffix, err)
			}
		default:
			return migrated, fmt.Errorf("read credential %s: %w", suffix, err)
		}

		if err := c.store.Delete(ctx, legacyKey(suffix)); err != nil {
			return migrated, fmt.Errorf("delete legacy credential %s: %w", suffix, err)
		}
		migrated = true
	}

	if migrated {
		c.logger.Info().Str("account", string(c.account)).Msg("migrated legacy credentials")
	}

	return migrated, nil
}

// RecoveryKey returns the stored recovery key for userID, or "" when none
// was stored.
func (c *CredentialStore) RecoveryKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	key, err := c.store.Get(ctx, recoveryKeyName(userID))
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read recovery key: %w", err)
	}

	return key, nil
}

func (c *CredentialStore) StoreRecoveryKey(ctx context.Context, userID, recoveryKey string) error {
	if userID == "" || recoveryKey == "" {
		return fmt.Errorf("store recovery key: %w: user id and key are required", domain.ErrInvalidArgument)
	}
	if err := c.store.Put(ctx, recoveryKeyName(userID), recoveryKey); err != nil {
		return fmt.Errorf("store recovery key: %w", err)
	}

	return nil
}

func (c *CredentialStore) EraseRecoveryKey(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := c.store.Delete(ctx, recoveryKeyName(userID)); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		return fmt.Errorf("delete recovery key: %w", err)
	}

	return nil
}
