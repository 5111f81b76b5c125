package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

func mockAnyContext() any {
	return mock.MatchedBy(func(context.Context) bool { return true })
}

type memSecretStore struct {
	mu     sync.Mutex
	values map[string]string
	puts   map[string]int
	writes int
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{values: map[string]string{}, puts: map[string]int{}}
}

func (s *memSecretStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("get %s: %w", key, domain.ErrSecretNotFound)
	}
	return value, nil
}

func (s *memSecretStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.puts[key]++
	s.writes++
	return nil
}

func (s *memSecretStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		s.writes++
	}
	delete(s.values, key)
	return nil
}

func (s *memSecretStore) value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

func (s *memSecretStore) putCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[key]
}

func (s *memSecretStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memSecretStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	return keys
}

// fakeClient is a scriptable protocol client. Unset hooks behave like a
// healthy homeserver.
type fakeClient struct {
	mu          sync.Mutex
	homeserver  string
	setCalls    []string
	accessToken string
	userID      string
	deviceID    string
	logoutCalls int
	restored    []domain.Session
	syncRunning bool

	checkHomeserver func(ctx context.Context, homeserver string) (string, error)
	loginFlows      func(ctx context.Context) ([]domain.LoginFlow, error)
	request         func(ctx context.Context, method, path string, body any) (json.RawMessage, error)
	login           func(ctx context.Context, request ports.LoginRequest) (ports.LoginResponse, error)
	refresh         func(ctx context.Context) (string, error)
	logout          func(ctx context.Context) error
	cryptoState     func(ctx context.Context) (domain.CryptoIdentityState, error)
	restoreCrypto   func(ctx context.Context, key string) error
	backupInfo      func(ctx context.Context) (*domain.KeyBackupInfo, error)
	deleteBackup    func(ctx context.Context, version string) error
	startSync       func(ctx context.Context) error

	// syncOnStart is delivered to sync subscribers when the loop starts.
	syncOnStart []domain.SyncUpdate

	subMu     sync.Mutex
	nextSub   int
	loginSubs map[int]chan domain.LoginState
	syncSubs  map[int]chan domain.SyncUpdate
}

var _ ports.ProtocolClient = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		loginSubs:   map[int]chan domain.LoginState{},
		syncSubs:    map[int]chan domain.SyncUpdate{},
		syncOnStart: []domain.SyncUpdate{{NextBatch: "s1"}},
	}
}

func (f *fakeClient) Homeserver() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.homeserver
}

func (f *fakeClient) SetHomeserver(homeserver string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeserver = homeserver
	f.setCalls = append(f.setCalls, homeserver)
}

func (f *fakeClient) setHomeserverCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setCalls...)
}

func (f *fakeClient) CheckHomeserver(ctx context.Context, homeserver string) (string, error) {
	if f.checkHomeserver != nil {
		return f.checkHomeserver(ctx, homeserver)
	}
	return homeserver, nil
}

func (f *fakeClient) GetLoginFlows(ctx context.Context) ([]domain.LoginFlow, error) {
	if f.loginFlows != nil {
		return f.loginFlows(ctx)
	}
	return []domain.LoginFlow{{Type: domain.LoginTypePassword}}, nil
}

func (f *fakeClient) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if f.request != nil {
		return f.request(ctx, method, path, body)
	}
	return nil, &domain.MatrixError{Code: domain.ErrCodeForbidden, StatusCode: 403, Body: []byte(`{"errcode":"M_FORBIDDEN"}`)}
}

func (f *fakeClient) Login(ctx context.Context, request ports.LoginRequest) (ports.LoginResponse, error) {
	response := ports.LoginResponse{AccessToken: "token-1", UserID: "@alice:example.com", DeviceID: "DEVICE"}
	if f.login != nil {
		var err error
		response, err = f.login(ctx, request)
		if err != nil {
			return ports.LoginResponse{}, err
		}
	}
	f.mu.Lock()
	f.accessToken, f.userID, f.deviceID = response.AccessToken, response.UserID, response.DeviceID
	f.mu.Unlock()
	return response, nil
}

func (f *fakeClient) RefreshAccessToken(ctx context.Context) (string, error) {
	if f.refresh == nil {
		return "", errors.New("no refresh token")
	}
	token, err := f.refresh(ctx)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.accessToken = token
	f.mu.Unlock()
	return token, nil
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logoutCalls++
	f.mu.Unlock()
	var err error
	if f.logout != nil {
		err = f.logout(ctx)
	}
	f.mu.Lock()
	f.accessToken, f.userID, f.deviceID = "", "", ""
	f.mu.Unlock()
	return err
}

func (f *fakeClient) logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

func (f *fakeClient) RestoreSession(session domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessToken, f.userID, f.deviceID = session.AccessToken, session.UserID, session.DeviceID
	f.restored = append(f.restored, session)
}

func (f *fakeClient) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accessToken
}

func (f *fakeClient) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeClient) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

func (f *fakeClient) SubscribeLoginState() (<-chan domain.LoginState, ports.CancelFunc) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan domain.LoginState, 16)
	f.loginSubs[id] = ch
	return ch, func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		delete(f.loginSubs, id)
	}
}

func (f *fakeClient) SubscribeSync() (<-chan domain.SyncUpdate, ports.CancelFunc) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan domain.SyncUpdate, 16)
	f.syncSubs[id] = ch
	return ch, func() {
		f.subMu.Lock()
		defer f.subMu.Unlock()
		delete(f.syncSubs, id)
	}
}

func (f *fakeClient) emitLoginState(state domain.LoginState) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.loginSubs {
		ch <- state
	}
}

func (f *fakeClient) emitSync(update domain.SyncUpdate) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for _, ch := range f.syncSubs {
		ch <- update
	}
}

func (f *fakeClient) subscriberCounts() (login, sync int) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return len(f.loginSubs), len(f.syncSubs)
}

func (f *fakeClient) StartSyncLoop(ctx context.Context) error {
	if f.startSync != nil {
		if err := f.startSync(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.syncRunning = true
	f.mu.Unlock()
	for _, update := range f.syncOnStart {
		f.emitSync(update)
	}
	return nil
}

func (f *fakeClient) StopSyncLoop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncRunning = false
}

func (f *fakeClient) syncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncRunning
}

func (f *fakeClient) CryptoIdentityState(ctx context.Context) (domain.CryptoIdentityState, error) {
	if f.cryptoState != nil {
		return f.cryptoState(ctx)
	}
	return domain.CryptoIdentityUninitialized, nil
}

func (f *fakeClient) RestoreCryptoIdentity(ctx context.Context, key string) error {
	if f.restoreCrypto != nil {
		return f.restoreCrypto(ctx, key)
	}
	return nil
}

func (f *fakeClient) KeyBackupInfo(ctx context.Context) (*domain.KeyBackupInfo, error) {
	if f.backupInfo != nil {
		return f.backupInfo(ctx)
	}
	return nil, nil
}

func (f *fakeClient) DeleteKeyBackup(ctx context.Context, version string) error {
	if f.deleteBackup != nil {
		return f.deleteBackup(ctx, version)
	}
	return nil
}

func zeroLogger() zerolog.Logger {
	return zerolog.Nop()
}
