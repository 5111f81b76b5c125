package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
	"github.com/bnema/lattice/internal/ports/mocks"
)

var credentialKeys = []string{
	"lattice_default_access_token",
	"lattice_default_user_id",
	"lattice_default_homeserver",
	"lattice_default_device_id",
}

const backupKey = "lattice_session_backup_default"

func newTestCoordinator(t *testing.T, client *fakeClient, store *memSecretStore, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(client, store, append([]Option{WithFirstSyncTimeout(time.Second)}, opts...)...)
	t.Cleanup(c.Close)
	return c
}

func loggedInCoordinator(t *testing.T, client *fakeClient, store *memSecretStore, opts ...Option) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t, client, store, opts...)
	require.NoError(t, c.Login(context.Background(), "example.com", "alice", "secret"))
	return c
}

func TestLoginEndToEnd(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	var request ports.LoginRequest
	client.login = func(_ context.Context, r ports.LoginRequest) (ports.LoginResponse, error) {
		request = r
		return ports.LoginResponse{AccessToken: "syt_1", UserID: "@alice:example.com", DeviceID: "DEV"}, nil
	}
	c := newTestCoordinator(t, client, store, WithDeviceName("laptop"))

	err := c.Login(context.Background(), "example.com", "alice", "secret")
	require.NoError(t, err)

	assert.True(t, c.IsLoggedIn())
	assert.Equal(t, domain.AuthStateAuthenticated, c.State())
	assert.Equal(t, "https://example.com", client.Homeserver())
	assert.Equal(t, ports.LoginRequest{
		Type:                     domain.LoginTypePassword,
		User:                     "alice",
		Password:                 "secret",
		InitialDeviceDisplayName: "laptop",
	}, request)
	assert.Equal(t, 1, store.putCount(backupKey))

	token, _ := store.value("lattice_default_access_token")
	assert.Equal(t, "syt_1", token)

	_, hasError := c.LoginError()
	assert.False(t, hasError)
	needed, known := c.ChatBackupNeeded()
	assert.True(t, known)
	assert.True(t, needed)

	password, ok := c.CachedPassword()
	assert.True(t, ok)
	assert.Equal(t, "secret", password)

	snap := c.Snapshot()
	assert.True(t, snap.FirstSynced)
	assert.Equal(t, "@alice:example.com", snap.UserID)
}

func TestLoginFailureLeavesNothingStored(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	client.login = func(context.Context, ports.LoginRequest) (ports.LoginResponse, error) {
		return ports.LoginResponse{}, &domain.MatrixError{Code: domain.ErrCodeForbidden, StatusCode: 403, Message: "Invalid password"}
	}
	c := newTestCoordinator(t, client, store)

	err := c.Login(context.Background(), "example.com", "alice", "wrong")
	require.Error(t, err)

	assert.False(t, c.IsLoggedIn())
	assert.Empty(t, store.keys())
	msg, ok := c.LoginError()
	assert.True(t, ok)
	assert.Equal(t, "Invalid username or password", msg)
}

func TestLoginRejectsBadHomeserver(t *testing.T) {
	client := newFakeClient()
	c := newTestCoordinator(t, client, newMemSecretStore())

	err := c.Login(context.Background(), "   ", "alice", "secret")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	msg, _ := c.LoginError()
	assert.Equal(t, "Invalid homeserver address", msg)
	assert.Empty(t, client.setHomeserverCalls())
}

func TestLoginWhileLoggedInFails(t *testing.T) {
	client := newFakeClient()
	c := loggedInCoordinator(t, client, newMemSecretStore())

	client.login = func(context.Context, ports.LoginRequest) (ports.LoginResponse, error) {
		t.Fatal("login must not reach the server")
		return ports.LoginResponse{}, nil
	}
	err := c.Login(context.Background(), "example.com", "alice", "secret")
	require.ErrorIs(t, err, domain.ErrIllegalState)
	assert.True(t, c.IsLoggedIn())
}

func TestProbeWhileLoggedInReturnsEmpty(t *testing.T) {
	client := newFakeClient()
	c := loggedInCoordinator(t, client, newMemSecretStore())
	before := client.setHomeserverCalls()

	caps, err := c.Probe(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.True(t, caps.IsEmpty())
	assert.Equal(t, before, client.setHomeserverCalls())
}

func TestLoginWaitsForCapabilityCheckInFlight(t *testing.T) {
	client := newFakeClient()
	client.SetHomeserver("https://old.example")
	probing := make(chan struct{})
	release := make(chan struct{})
	client.checkHomeserver = func(_ context.Context, homeserver string) (string, error) {
		close(probing)
		<-release
		return homeserver, nil
	}
	c := newTestCoordinator(t, client, newMemSecretStore())

	probeDone := make(chan error, 1)
	go func() {
		_, err := c.Probe(context.Background(), "other.example")
		probeDone <- err
	}()
	<-probing

	loginDone := make(chan error, 1)
	go func() {
		loginDone <- c.Login(context.Background(), "example.com", "alice", "secret")
	}()
	require.Eventually(t, func() bool { return c.prober.gate.waiting() == 1 }, time.Second, time.Millisecond)
	assert.False(t, c.IsLoggedIn())

	close(release)
	require.NoError(t, <-probeDone)
	require.NoError(t, <-loginDone)

	assert.True(t, c.IsLoggedIn())
	assert.Equal(t, "https://example.com", client.Homeserver())
}

func TestCapabilityCheckQueuedBehindLoginKeepsHomeserver(t *testing.T) {
	client := newFakeClient()
	loggingIn := make(chan struct{})
	release := make(chan struct{})
	client.login = func(context.Context, ports.LoginRequest) (ports.LoginResponse, error) {
		close(loggingIn)
		<-release
		return ports.LoginResponse{AccessToken: "token-1", UserID: "@alice:example.com", DeviceID: "DEVICE"}, nil
	}
	c := newTestCoordinator(t, client, newMemSecretStore())

	loginDone := make(chan error, 1)
	go func() {
		loginDone <- c.Login(context.Background(), "example.com", "alice", "secret")
	}()
	<-loggingIn

	type probeResult struct {
		caps domain.ServerAuthCapabilities
		err  error
	}
	probeDone := make(chan probeResult, 1)
	go func() {
		caps, err := c.Probe(context.Background(), "other.example")
		probeDone <- probeResult{caps, err}
	}()
	require.Eventually(t, func() bool { return c.prober.gate.waiting() == 1 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-loginDone)
	result := <-probeDone
	require.NoError(t, result.err)
	assert.True(t, result.caps.IsEmpty())
	assert.Equal(t, "https://example.com", client.Homeserver())
	assert.Equal(t, []string{"https://example.com"}, client.setHomeserverCalls())
}

func TestFirstSyncTimeoutKeepsCredentials(t *testing.T) {
	client := newFakeClient()
	client.syncOnStart = nil
	store := newMemSecretStore()
	c := newTestCoordinator(t, client, store, WithFirstSyncTimeout(time.Millisecond))

	err := c.Login(context.Background(), "example.com", "alice", "secret")
	require.ErrorIs(t, err, domain.ErrTimeout)

	assert.False(t, c.IsLoggedIn())
	assert.False(t, client.syncing())
	for _, key := range credentialKeys {
		_, ok := store.value(key)
		assert.True(t, ok, "credential %s should survive a sync timeout", key)
	}
	assert.Zero(t, store.putCount(backupKey))
	msg, _ := c.LoginError()
	assert.Equal(t, "Timed out waiting for server", msg)
}

func TestSyncBootstrapperTimeout(t *testing.T) {
	client := newFakeClient()
	client.syncOnStart = nil
	state := newSessionState(domain.DefaultAccountName, eventEmitter{clock: ports.SystemClock{}})
	creds := NewCredentialStore(newMemSecretStore(), "", zeroLogger())
	unlock := NewBackupAutoUnlock(client, client.UserID, creds, state, zeroLogger())
	syncer := NewSyncBootstrapper(client, unlock, state, nil, eventEmitter{clock: ports.SystemClock{}}, zeroLogger())

	err := syncer.StartSync(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.False(t, syncer.Running())
	_, syncSubs := client.subscriberCounts()
	assert.Zero(t, syncSubs)
}

func TestSyncBootstrapperBarrierUsesConfiguredTimeout(t *testing.T) {
	client := newFakeClient()
	client.syncOnStart = nil
	state := newSessionState(domain.DefaultAccountName, eventEmitter{clock: ports.SystemClock{}})
	creds := NewCredentialStore(newMemSecretStore(), "", zeroLogger())
	unlock := NewBackupAutoUnlock(client, client.UserID, creds, state, zeroLogger())
	syncer := NewSyncBootstrapper(client, unlock, state, nil, eventEmitter{clock: ports.SystemClock{}}, zeroLogger())

	var armed time.Duration
	syncer.after = func(d time.Duration) <-chan time.Time {
		armed = d
		fired := make(chan time.Time, 1)
		fired <- time.Now()
		return fired
	}

	err := syncer.StartSync(context.Background(), 5*time.Minute)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 5*time.Minute, armed)
	assert.False(t, syncer.Running())
}

func TestSyncUpdatesRefireChanges(t *testing.T) {
	client := newFakeClient()
	c := loggedInCoordinator(t, client, newMemSecretStore())
	changes, cancel := c.Subscribe()
	defer cancel()

	client.emitSync(domain.SyncUpdate{NextBatch: "s2"})

	select {
	case change := <-changes:
		assert.Equal(t, ChangeSync, change.Reason)
		assert.Equal(t, "s2", change.Snapshot.NextBatch)
		assert.Equal(t, 2, change.Snapshot.SyncCount)
	case <-time.After(time.Second):
		t.Fatal("no change after sync update")
	}
}

func TestSoftLogoutRecovery(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)
	client.refresh = func(context.Context) (string, error) { return "syt_refreshed", nil }

	require.NoError(t, c.HandleSoftLogout(context.Background()))

	assert.True(t, c.IsLoggedIn())
	token, _ := store.value("lattice_default_access_token")
	assert.Equal(t, "syt_refreshed", token)
	assert.Equal(t, 2, store.putCount(backupKey))
	assert.Equal(t, "syt_refreshed", c.Session().AccessToken)
}

func TestSoftLogoutRefreshFailureErasesSession(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)
	client.refresh = func(context.Context) (string, error) {
		return "", &domain.MatrixError{Code: domain.ErrCodeUnknownToken, StatusCode: 401}
	}

	client.emitLoginState(domain.LoginStateSoftLogout)

	require.Eventually(t, func() bool { return !c.IsLoggedIn() }, time.Second, time.Millisecond)
	for _, key := range append(credentialKeys, "lattice_default_olm_account", backupKey) {
		_, ok := store.value(key)
		assert.False(t, ok, "%s should be erased", key)
	}
	assert.Equal(t, 1, client.logouts())
	msg, _ := c.LoginError()
	assert.Equal(t, "Session expired, please log in again", msg)
	loginSubs, syncSubs := client.subscriberCounts()
	assert.Zero(t, loginSubs)
	assert.Zero(t, syncSubs)
}

func TestLoggedOutEventTearsDown(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)

	client.emitLoginState(domain.LoginStateLoggedOut)

	require.Eventually(t, func() bool { return !c.IsLoggedIn() }, time.Second, time.Millisecond)
	assert.Empty(t, store.keys())
}

func TestTransientFailureKeepsCredentials(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)

	err := c.HandleAuthFailure(context.Background(), &domain.MatrixError{Code: domain.ErrCodeLimitExceeded, StatusCode: 429})
	require.NoError(t, err)
	assert.True(t, c.IsLoggedIn())
	_, ok := store.value("lattice_default_access_token")
	assert.True(t, ok)

	err = c.HandleAuthFailure(context.Background(), &domain.MatrixError{Code: domain.ErrCodeUnknownToken, StatusCode: 401})
	require.NoError(t, err)
	assert.False(t, c.IsLoggedIn())
	assert.Empty(t, store.keys())
}

func TestLogoutTearsDownEvenWhenRemoteFails(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)
	client.logout = func(context.Context) error { return errors.New("connection reset") }

	var hooks sync.WaitGroup
	hooks.Add(1)
	c.RegisterResetHook(hooks.Done)

	require.NoError(t, c.Logout(context.Background()))
	hooks.Wait()

	assert.False(t, c.IsLoggedIn())
	assert.Empty(t, store.keys())
	assert.False(t, client.syncing())
	_, known := c.ChatBackupNeeded()
	assert.False(t, known)
	_, ok := c.CachedPassword()
	assert.False(t, ok)
	_, hasError := c.LoginError()
	assert.False(t, hasError)
}

func TestLogoutKeepsRecoveryKey(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	require.NoError(t, store.Put(context.Background(), "ssss_recovery_key_@alice:example.com", "key"))
	c := loggedInCoordinator(t, client, store)

	require.NoError(t, c.Logout(context.Background()))
	_, ok := store.value("ssss_recovery_key_@alice:example.com")
	assert.True(t, ok)
}

func TestSSOLoginDoesNotCachePassword(t *testing.T) {
	client := newFakeClient()
	var request ports.LoginRequest
	client.login = func(_ context.Context, r ports.LoginRequest) (ports.LoginResponse, error) {
		request = r
		return ports.LoginResponse{AccessToken: "syt_sso", UserID: "@bob:example.com", DeviceID: "D"}, nil
	}
	c := newTestCoordinator(t, client, newMemSecretStore())

	require.NoError(t, c.CompleteSSOLogin(context.Background(), "example.com", "login-token"))
	assert.Equal(t, domain.LoginTypeToken, request.Type)
	assert.Equal(t, "login-token", request.Token)
	_, ok := c.CachedPassword()
	assert.False(t, ok)
	assert.True(t, c.IsLoggedIn())
}

func TestCompleteRegistration(t *testing.T) {
	t.Run("without credentials", func(t *testing.T) {
		client := newFakeClient()
		store := newMemSecretStore()
		c := newTestCoordinator(t, client, store)

		err := c.CompleteRegistration(context.Background(), RegistrationResult{UserID: "@new:example.com"}, "pw")
		require.ErrorIs(t, err, domain.ErrIllegalState)
		assert.False(t, c.IsLoggedIn())
		assert.Empty(t, store.keys())
	})

	t.Run("with credentials", func(t *testing.T) {
		client := newFakeClient()
		store := newMemSecretStore()
		client.SetHomeserver("https://example.com")
		client.RestoreSession(domain.Session{AccessToken: "syt_reg", UserID: "@new:example.com", DeviceID: "NEWDEV"})
		c := newTestCoordinator(t, client, store)

		err := c.CompleteRegistration(context.Background(), RegistrationResult{UserID: "@new:example.com"}, "pw")
		require.NoError(t, err)
		assert.True(t, c.IsLoggedIn())
		homeserver, _ := store.value("lattice_default_homeserver")
		assert.Equal(t, "https://example.com", homeserver)
		assert.Equal(t, 1, store.putCount(backupKey))
		password, ok := c.CachedPassword()
		assert.True(t, ok)
		assert.Equal(t, "pw", password)
	})
}

func TestRestoreFromCredentials(t *testing.T) {
	store := newMemSecretStore()
	ctx := context.Background()
	for key, value := range map[string]string{
		"lattice_access_token": "legacy-token",
		"lattice_user_id":      "@alice:example.com",
		"lattice_homeserver":   "https://example.com",
	} {
		require.NoError(t, store.Put(ctx, key, value))
	}
	client := newFakeClient()
	c := newTestCoordinator(t, client, store)

	ok, err := c.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, c.IsLoggedIn())
	assert.Equal(t, "legacy-token", client.AccessToken())
	assert.Equal(t, "https://example.com", client.Homeserver())

	require.NoError(t, c.StartSync(ctx))
	assert.True(t, c.Snapshot().FirstSynced)
}

func TestRestoreFallsBackToSessionBackup(t *testing.T) {
	store := newMemSecretStore()
	ctx := context.Background()
	backups := NewSessionBackupStore(store, domain.DefaultAccountName, nil)
	require.NoError(t, backups.Save(ctx, testSession))
	client := newFakeClient()
	c := newTestCoordinator(t, client, store)

	ok, err := c.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	token, _ := store.value("lattice_default_access_token")
	assert.Equal(t, testSession.AccessToken, token)
	assert.Equal(t, testSession.UserID, client.UserID())
}

func TestRestoreWithNothingStored(t *testing.T) {
	c := newTestCoordinator(t, newFakeClient(), newMemSecretStore())

	ok, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.IsLoggedIn())
}

func TestAutoUnlockWithStoredKey(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	require.NoError(t, store.Put(context.Background(), "ssss_recovery_key_@alice:example.com", "EsTc key"))

	var mu sync.Mutex
	state := domain.CryptoIdentityLocked
	var usedKey string
	client.cryptoState = func(context.Context) (domain.CryptoIdentityState, error) {
		mu.Lock()
		defer mu.Unlock()
		return state, nil
	}
	client.restoreCrypto = func(_ context.Context, key string) error {
		mu.Lock()
		defer mu.Unlock()
		usedKey = key
		state = domain.CryptoIdentityConnected
		return nil
	}

	c := loggedInCoordinator(t, client, store)

	assert.Equal(t, "EsTc key", usedKey)
	needed, known := c.ChatBackupNeeded()
	assert.True(t, known)
	assert.False(t, needed)
}

func TestAutoUnlockFailureDoesNotBlockLogin(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	require.NoError(t, store.Put(context.Background(), "ssss_recovery_key_@alice:example.com", "wrong"))
	client.cryptoState = func(context.Context) (domain.CryptoIdentityState, error) {
		return domain.CryptoIdentityLocked, nil
	}
	client.restoreCrypto = func(context.Context, string) error {
		return domain.ErrInvalidRecoveryKey
	}

	c := loggedInCoordinator(t, client, store)

	assert.True(t, c.IsLoggedIn())
	needed, known := c.ChatBackupNeeded()
	assert.True(t, known)
	assert.True(t, needed)
}

func TestAutoUnlockWithoutKeyIsNoop(t *testing.T) {
	client := newFakeClient()
	client.cryptoState = func(context.Context) (domain.CryptoIdentityState, error) {
		return domain.CryptoIdentityLocked, nil
	}
	client.restoreCrypto = func(context.Context, string) error {
		t.Fatal("no restore without a stored key")
		return nil
	}

	c := loggedInCoordinator(t, client, newMemSecretStore())
	assert.True(t, c.IsLoggedIn())
}

func TestManualUnlockStoresKey(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	c := loggedInCoordinator(t, client, store)

	client.restoreCrypto = func(_ context.Context, key string) error {
		if key != "good key" {
			return domain.ErrInvalidRecoveryKey
		}
		return nil
	}

	err := c.UnlockBackup(context.Background(), "bad key")
	require.ErrorIs(t, err, domain.ErrInvalidRecoveryKey)
	assert.Equal(t, "Invalid recovery key", domain.DescribeError(err))
	_, ok := store.value("ssss_recovery_key_@alice:example.com")
	assert.False(t, ok)

	require.NoError(t, c.UnlockBackup(context.Background(), " good key "))
	key, _ := store.value("ssss_recovery_key_@alice:example.com")
	assert.Equal(t, "good key", key)
}

func TestResetBackupDeletesServerBackup(t *testing.T) {
	client := newFakeClient()
	store := newMemSecretStore()
	require.NoError(t, store.Put(context.Background(), "ssss_recovery_key_@alice:example.com", "key"))
	c := loggedInCoordinator(t, client, store)

	var deleted string
	client.backupInfo = func(context.Context) (*domain.KeyBackupInfo, error) {
		return &domain.KeyBackupInfo{Version: "3"}, nil
	}
	client.deleteBackup = func(_ context.Context, version string) error {
		deleted = version
		return nil
	}

	require.NoError(t, c.ResetBackup(context.Background()))
	assert.Equal(t, "3", deleted)
	_, ok := store.value("ssss_recovery_key_@alice:example.com")
	assert.False(t, ok)
}

func TestCachedPasswordExpires(t *testing.T) {
	clock := mocks.NewMockClock(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock.EXPECT().Now().RunAndReturn(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	c := loggedInCoordinator(t, newFakeClient(), newMemSecretStore(), WithClock(clock))

	_, ok := c.CachedPassword()
	assert.True(t, ok)

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	_, ok = c.CachedPassword()
	assert.False(t, ok)
}

func TestObserverSeesOperations(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
	)
	observer := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	c := newTestCoordinator(t, newFakeClient(), newMemSecretStore(), WithObserver(observer), WithAccount("work"))
	require.NoError(t, c.Login(context.Background(), "example.com", "alice", "secret"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, EventOperationStarted, events[0].Kind)
	assert.Equal(t, "login", events[0].Operation)
	last := events[len(events)-1]
	assert.Equal(t, EventOperationFinished, last.Kind)
	assert.Equal(t, events[0].OperationID, last.OperationID)
	assert.Equal(t, "work", last.Account)

	var sawAuthenticated bool
	for _, e := range events {
		if e.Kind == EventStateChanged && e.State == domain.AuthStateAuthenticated {
			sawAuthenticated = true
		}
	}
	assert.True(t, sawAuthenticated)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	client := newFakeClient()
	c := NewCoordinator(client, newMemSecretStore())
	require.NoError(t, c.Login(context.Background(), "example.com", "alice", "secret"))
	changes, _ := c.Subscribe()

	c.Close()

	for range changes {
	}
	loginSubs, syncSubs := client.subscriberCounts()
	assert.Zero(t, loginSubs)
	assert.Zero(t, syncSubs)
	assert.True(t, c.IsLoggedIn())
}
