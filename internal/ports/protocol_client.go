package ports

import (
	"context"
	"encoding/json"

	"github.com/bnema/lattice/internal/domain"
)

// CancelFunc stops a subscription. It is safe to call more than once.
type CancelFunc func()

type HomeserverConfig interface {
	Homeserver() string
	SetHomeserver(homeserver string)
}

type HomeserverDiscovery interface {
	// CheckHomeserver resolves well-known delegation and verifies the
	// server answers the client API. It returns the resolved base URL.
	CheckHomeserver(ctx context.Context, homeserver string) (string, error)
	GetLoginFlows(ctx context.Context) ([]domain.LoginFlow, error)
	// Request performs an arbitrary client API call against the configured
	// homeserver, authenticated when a token is held.
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

type LoginRequest struct {
	Type                     string
	User                     string
	Password                 string
	Token                    string
	DeviceID                 string
	InitialDeviceDisplayName string
}

type LoginResponse struct {
	AccessToken string
	UserID      string
	DeviceID    string
	Homeserver  string
}

type Authenticator interface {
	Login(ctx context.Context, request LoginRequest) (LoginResponse, error)
	RefreshAccessToken(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
	RestoreSession(session domain.Session)
	AccessToken() string
	UserID() string
	DeviceID() string
}

type EventSource interface {
	SubscribeLoginState() (<-chan domain.LoginState, CancelFunc)
	SubscribeSync() (<-chan domain.SyncUpdate, CancelFunc)
	StartSyncLoop(ctx context.Context) error
	StopSyncLoop()
}

type CryptoIdentity interface {
	CryptoIdentityState(ctx context.Context) (domain.CryptoIdentityState, error)
	RestoreCryptoIdentity(ctx context.Context, recoveryKey string) error
	// KeyBackupInfo returns nil when the server holds no key backup.
	KeyBackupInfo(ctx context.Context) (*domain.KeyBackupInfo, error)
	DeleteKeyBackup(ctx context.Context, version string) error
}

// ProtocolClient is the full Matrix client the coordinator drives.
// Components depend on the narrow capability sets above.
type ProtocolClient interface {
	HomeserverConfig
	HomeserverDiscovery
	Authenticator
	EventSource
	CryptoIdentity
}
