package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const sessionBackupVersion = 1

// SessionBackup is the portable record of a session, kept next to the
// credential keys so a session survives an account switch or a wiped key set.
type SessionBackup struct {
	Version     int       `json:"version"`
	Account     string    `json:"account"`
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	Homeserver  string    `json:"homeserver"`
	DeviceID    string    `json:"device_id,omitempty"`
	DeviceName  string    `json:"device_name,omitempty"`
	OlmAccount  string    `json:"olm_account,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

func NewSessionBackup(account domain.AccountName, session domain.Session, savedAt time.Time) SessionBackup {
	return SessionBackup{
		Version:     sessionBackupVersion,
		Account:     string(account),
		AccessToken: session.AccessToken,
		UserID:      session.UserID,
		Homeserver:  session.Homeserver,
		DeviceID:    session.DeviceID,
		DeviceName:  session.DeviceName,
		OlmAccount:  session.OlmAccountPickle,
		SavedAt:     savedAt.UTC(),
	}
}

func (b SessionBackup) Session() domain.Session {
	return domain.Session{
		AccessToken:      b.AccessToken,
		UserID:           b.UserID,
		Homeserver:       b.Homeserver,
		DeviceID:         b.DeviceID,
		DeviceName:       b.DeviceName,
		OlmAccountPickle: b.OlmAccount,
	}
}

func EncodeSessionBackup(backup SessionBackup) ([]byte, error) {
	if backup.Version == 0 {
		backup.Version = sessionBackupVersion
	}
	if err := backup.Session().Validate(); err != nil {
		return nil, fmt.Errorf("encode session backup: %w", err)
	}

	data, err := json.Marshal(backup)
	if err != nil {
		return nil, fmt.Errorf("encode session backup: %w", err)
	}

	return data, nil
}

func DecodeSessionBackup(data []byte) (SessionBackup, error) {
	var backup SessionBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return SessionBackup{}, fmt.Errorf("decode session backup: %w", err)
	}
	if backup.Version > sessionBackupVersion {
		return SessionBackup{}, fmt.Errorf("decode session backup: unsupported version %d", backup.Version)
	}
	if err := backup.Session().Validate(); err != nil {
		return SessionBackup{}, fmt.Errorf("decode session backup: %w", err)
	}

	return backup, nil
}

// SessionBackupStore keeps the encoded backup of one account in the secret
// store.
type SessionBackupStore struct {
	store   ports.SecretStore
	account domain.AccountName
	clock   ports.Clock
}

func NewSessionBackupStore(store ports.SecretStore, account domain.AccountName, clock ports.Clock) *SessionBackupStore {
	if account == "" {
		account = domain.DefaultAccountName
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &SessionBackupStore{store: store, account: account, clock: clock}
}

func (s *SessionBackupStore) key() string {
	return sessionBackupKeyBase + string(s.account)
}

func (s *SessionBackupStore) Save(ctx context.Context, session domain.Session) error {
	data, err := EncodeSessionBackup(NewSessionBackup(s.account, session, s.clock.Now()))
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, s.key(), string(data)); err != nil {
		return fmt.Errorf("store session backup: %w", err)
	}

	return nil
}

func (s *SessionBackupStore) Load(ctx context.Context) (SessionBackup, bool, error) {
	raw, err := s.store.Get(ctx, s.key())
	if err != nil {
		if errors.Is(err, domain.ErrSecretNotFound) {
			return SessionBackup{}, false, nil
		}
		return SessionBackup{}, false, fmt.Errorf("read session backup: %w", err)
	}

	backup, err := DecodeSessionBackup([]byte(raw))
	if err != nil {
		return SessionBackup{}, false, err
	}

	return backup, true, nil
}

func (s *SessionBackupStore) Erase(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.key()); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		return fmt.Errorf("delete session backup: %w", err)
	}

	return nil
}
