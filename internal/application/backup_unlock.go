package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

// BackupAutoUnlock connects the session to the server-side key backup using
// a recovery key stored by an earlier manual unlock.
type BackupAutoUnlock struct {
	crypto ports.CryptoIdentity
	userID func() string
	creds  *CredentialStore
	state  *sessionState
	logger zerolog.Logger
}

func NewBackupAutoUnlock(crypto ports.CryptoIdentity, userID func() string, creds *CredentialStore, state *sessionState, logger zerolog.Logger) *BackupAutoUnlock {
	return &BackupAutoUnlock{crypto: crypto, userID: userID, creds: creds, state: state, logger: logger}
}

// TryAutoUnlock never fails: a session that cannot be unlocked silently is
// left for the manual unlock flow.
func (b *BackupAutoUnlock) TryAutoUnlock(ctx context.Context) {
	userID := b.userID()
	recoveryKey, err := b.creds.RecoveryKey(ctx, userID)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("read stored recovery key")
		return
	}
	if recoveryKey == "" {
		return
	}

	state, err := b.crypto.CryptoIdentityState(ctx)
	if err == nil && state == domain.CryptoIdentityConnected {
		b.state.setBackupStatus(state.BackupStatus())
		return
	}

	if err := b.crypto.RestoreCryptoIdentity(ctx, recoveryKey); err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("automatic key backup unlock failed")
	} else {
		b.logger.Info().Str("user_id", userID).Msg("key backup unlocked with stored recovery key")
	}

	b.RefreshStatus(ctx)
}

// RefreshStatus reads the crypto identity state and publishes the backup
// status derived from it. A failed read publishes unknown.
func (b *BackupAutoUnlock) RefreshStatus(ctx context.Context) domain.BackupStatus {
	status := domain.BackupStatusUnknown
	state, err := b.crypto.CryptoIdentityState(ctx)
	if err != nil {
		b.logger.Debug().Err(err).Msg("read crypto identity state")
	} else {
		status = state.BackupStatus()
	}
	b.state.setBackupStatus(status)

	return status
}

// Unlock restores the crypto identity with a key typed by the user and keeps
// the key for later automatic unlocks.
func (b *BackupAutoUnlock) Unlock(ctx context.Context, recoveryKey string) error {
	recoveryKey = strings.TrimSpace(recoveryKey)
	if recoveryKey == "" {
		return fmt.Errorf("unlock key backup: %w", domain.ErrInvalidRecoveryKey)
	}
	userID := b.userID()
	if userID == "" {
		return fmt.Errorf("unlock key backup: %w", domain.ErrNoSession)
	}

	if err := b.crypto.RestoreCryptoIdentity(ctx, recoveryKey); err != nil {
		b.RefreshStatus(ctx)
		return fmt.Errorf("restore crypto identity: %w", err)
	}
	if err := b.creds.StoreRecoveryKey(ctx, userID, recoveryKey); err != nil {
		b.logger.Warn().Err(err).Str("user_id", userID).Msg("keep recovery key for automatic unlock")
	}
	b.RefreshStatus(ctx)

	return nil
}

// Reset deletes the server-side key backup and forgets the stored recovery
// key, which no longer matches anything.
func (b *BackupAutoUnlock) Reset(ctx context.Context) error {
	userID := b.userID()
	if userID == "" {
		return fmt.Errorf("reset key backup: %w", domain.ErrNoSession)
	}

	info, err := b.crypto.KeyBackupInfo(ctx)
	if err != nil {
		return fmt.Errorf("get key backup info: %w", err)
	}
	if info != nil {
		if err := b.crypto.DeleteKeyBackup(ctx, info.Version); err != nil {
			return fmt.Errorf("delete key backup %s: %w", info.Version, err)
		}
	}
	if err := b.creds.EraseRecoveryKey(ctx, userID); err != nil {
		return err
	}
	b.RefreshStatus(ctx)

	return nil
}
