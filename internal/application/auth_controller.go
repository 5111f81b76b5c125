package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

const (
	DefaultLogoutTimeout = 10 * time.Second
	passwordCacheTTL     = 10 * time.Minute
)

type authClient interface {
	ports.HomeserverConfig
	ports.Authenticator
	ports.EventSource
}

// RegistrationResult describes credentials produced by a registration flow
// that already ran against the protocol client.
type RegistrationResult struct {
	UserID     string
	DeviceID   string
	Homeserver string
}

type AuthControllerConfig struct {
	DeviceName       string
	FirstSyncTimeout time.Duration
	LogoutTimeout    time.Duration
}

// AuthController owns the session state machine: login, SSO login,
// registration completion, logout and soft-logout recovery.
type AuthController struct {
	client  authClient
	creds   *CredentialStore
	backups *SessionBackupStore
	syncer  *SyncBootstrapper
	state   *sessionState
	clock   ports.Clock
	logger  zerolog.Logger
	cfg     AuthControllerConfig

	// shared with the prober; held while the client's homeserver is written
	// and until the session that depends on it is established
	gate *fifoGate

	// serializes state-changing operations
	opMu sync.Mutex

	mu             sync.Mutex
	session        domain.Session
	password       string
	passwordExpiry time.Time
	stopObserving  func()
	resetHooks     []func()
}

func NewAuthController(
	client authClient,
	creds *CredentialStore,
	backups *SessionBackupStore,
	syncer *SyncBootstrapper,
	state *sessionState,
	gate *fifoGate,
	clock ports.Clock,
	cfg AuthControllerConfig,
	logger zerolog.Logger,
) *AuthController {
	if gate == nil {
		gate = &fifoGate{}
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if cfg.FirstSyncTimeout <= 0 {
		cfg.FirstSyncTimeout = DefaultFirstSyncTimeout
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = DefaultLogoutTimeout
	}

	return &AuthController{
		client:  client,
		creds:   creds,
		backups: backups,
		syncer:  syncer,
		state:   state,
		gate:    gate,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With().Str("account", string(creds.Account())).Logger(),
	}
}

// RegisterResetHook adds a callback run on every local teardown, for state
// owned outside the coordinator such as a room selection.
func (a *AuthController) RegisterResetHook(hook func()) {
	if hook == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetHooks = append(a.resetHooks, hook)
}

func (a *AuthController) Session() domain.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// CachedPassword returns the password of the last password login while it
// is fresh, for silent re-authentication of key backup calls.
func (a *AuthController) CachedPassword() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.password == "" || !a.clock.Now().Before(a.passwordExpiry) {
		return "", false
	}
	return a.password, true
}

func (a *AuthController) Login(ctx context.Context, homeserver, username, password string) error {
	return a.login(ctx, homeserver, ports.LoginRequest{
		Type:     domain.LoginTypePassword,
		User:     username,
		Password: password,
	})
}

func (a *AuthController) CompleteSSOLogin(ctx context.Context, homeserver, loginToken string) error {
	if loginToken == "" {
		return fmt.Errorf("complete sso login: %w: login token is empty", domain.ErrInvalidArgument)
	}

	return a.login(ctx, homeserver, ports.LoginRequest{
		Type:  domain.LoginTypeToken,
		Token: loginToken,
	})
}

func (a *AuthController) login(ctx context.Context, homeserver string, request ports.LoginRequest) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.state.loggedIn() {
		return fmt.Errorf("login: %w: already logged in", domain.ErrIllegalState)
	}

	normalized, err := domain.NormalizeHomeserver(homeserver)
	if err != nil {
		return a.fail(err)
	}

	if err := a.gate.acquire(ctx); err != nil {
		return a.fail(fmt.Errorf("login: wait for homeserver: %w", err))
	}
	defer a.gate.release()

	a.state.setAuthState(domain.AuthStateLoggingIn)
	a.client.SetHomeserver(normalized)

	request.InitialDeviceDisplayName = a.cfg.DeviceName
	response, err := a.client.Login(ctx, request)
	if err != nil {
		return a.fail(fmt.Errorf("login: %w", err))
	}

	session := domain.Session{
		AccessToken: response.AccessToken,
		UserID:      response.UserID,
		Homeserver:  normalized,
		DeviceID:    response.DeviceID,
		DeviceName:  a.cfg.DeviceName,
	}
	if response.Homeserver != "" {
		session.Homeserver = response.Homeserver
	}
	if err := a.creds.Persist(ctx, session); err != nil {
		return a.fail(err)
	}
	if request.Type == domain.LoginTypePassword {
		a.cachePassword(request.Password)
	}

	return a.establish(ctx, session)
}

// CompleteRegistration adopts the session a registration flow left on the
// client. It fails with domain.ErrIllegalState when the client carries no
// credentials.
func (a *AuthController) CompleteRegistration(ctx context.Context, result RegistrationResult, password string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.state.loggedIn() {
		return fmt.Errorf("complete registration: %w: already logged in", domain.ErrIllegalState)
	}

	if err := a.gate.acquire(ctx); err != nil {
		return a.fail(fmt.Errorf("complete registration: wait for homeserver: %w", err))
	}
	defer a.gate.release()

	token, userID := a.client.AccessToken(), a.client.UserID()
	if token == "" || userID == "" {
		return a.fail(fmt.Errorf("complete registration: %w: client holds no credentials", domain.ErrIllegalState))
	}
	if result.UserID != "" && result.UserID != userID {
		return a.fail(fmt.Errorf("complete registration: %w: registered %s but client holds %s", domain.ErrIllegalState, result.UserID, userID))
	}

	session := domain.Session{
		AccessToken: token,
		UserID:      userID,
		Homeserver:  result.Homeserver,
		DeviceID:    a.client.DeviceID(),
		DeviceName:  a.cfg.DeviceName,
	}
	if session.Homeserver == "" {
		session.Homeserver = a.client.Homeserver()
	}
	if session.DeviceID == "" {
		session.DeviceID = result.DeviceID
	}

	a.state.setAuthState(domain.AuthStateLoggingIn)
	if err := a.creds.Persist(ctx, session); err != nil {
		return a.fail(err)
	}
	if password != "" {
		a.cachePassword(password)
	}

	return a.establish(ctx, session)
}

// establish runs the post-login steps shared by every way in.
func (a *AuthController) establish(ctx context.Context, session domain.Session) error {
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.observeLoginState()

	if err := a.syncer.StartSync(ctx, a.cfg.FirstSyncTimeout); err != nil {
		// credentials stay: a slow first sync is not a reason to forget them
		a.stopObservingLoginState()
		return a.fail(err)
	}

	a.state.setSession(domain.AuthStateAuthenticated, session)
	a.snapshotBackup(ctx, session)
	a.logger.Info().Str("user_id", session.UserID).Str("homeserver", session.Homeserver).Msg("session established")

	return nil
}

// Restore resumes the session stored by an earlier run. It reports false
// when nothing usable is stored.
func (a *AuthController) Restore(ctx context.Context) (bool, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.state.loggedIn() {
		return true, nil
	}

	if _, err := a.creds.MigrateLegacy(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("legacy credential migration failed")
	}

	session, ok, err := a.creds.Read(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		backup, found, err := a.backups.Load(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("ignoring unreadable session backup")
			return false, nil
		}
		if !found {
			return false, nil
		}
		session = backup.Session()
		if err := a.creds.Persist(ctx, session); err != nil {
			return false, err
		}
		a.logger.Info().Msg("restored credentials from session backup")
	}
	if session.DeviceName == "" {
		session.DeviceName = a.cfg.DeviceName
	}

	if err := a.gate.acquire(ctx); err != nil {
		return false, fmt.Errorf("restore: wait for homeserver: %w", err)
	}
	defer a.gate.release()

	a.client.SetHomeserver(session.Homeserver)
	a.client.RestoreSession(session)

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.observeLoginState()
	a.state.setSession(domain.AuthStateAuthenticated, session)

	return true, nil
}

// Logout ends the session remotely on a best-effort basis, then always tears
// down local state. Only local cleanup failures are returned.
func (a *AuthController) Logout(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.remoteLogout(ctx)

	return a.teardown(ctx, nil)
}

// HandleSoftLogout tries to refresh the access token after the server
// soft-logged the session out. When the refresh fails the session is
// treated as permanently dead.
func (a *AuthController) HandleSoftLogout(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.state.authState() != domain.AuthStateAuthenticated {
		a.logger.Debug().Str("state", a.state.authState().String()).Msg("ignoring soft logout")
		return nil
	}
	a.state.setAuthState(domain.AuthStateSoftLogoutRecovering)

	token, err := a.client.RefreshAccessToken(ctx)
	if err == nil && token == "" {
		err = errors.New("empty access token")
	}
	if err != nil {
		cause := fmt.Errorf("refresh access token: %w: %w", domain.ErrPermanentAuthFailure, err)
		a.logger.Warn().Err(err).Msg("soft logout recovery failed")
		a.eraseStoredSession(ctx)
		// the server already dropped the session, this only stops the
		// client's own retries
		a.remoteLogout(ctx)
		if teardownErr := a.teardown(ctx, cause); teardownErr != nil {
			return errors.Join(cause, teardownErr)
		}
		return cause
	}

	if err := a.creds.UpdateAccessToken(ctx, token); err != nil {
		a.logger.Warn().Err(err).Msg("store refreshed access token")
	}
	a.mu.Lock()
	a.session.AccessToken = token
	session := a.session
	a.mu.Unlock()

	a.snapshotBackup(ctx, session)
	a.state.setAuthState(domain.AuthStateAuthenticated)
	a.logger.Info().Msg("recovered from soft logout")

	return nil
}

// HandlePermanentFailure erases the stored session after the server
// invalidated it for good. Transient failures leave everything in place.
func (a *AuthController) HandlePermanentFailure(ctx context.Context, cause error) error {
	if !domain.IsPermanentAuthFailure(cause) {
		a.logger.Debug().Err(cause).Msg("keeping credentials after transient failure")
		return nil
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	if !a.state.loggedIn() {
		return nil
	}
	a.eraseStoredSession(ctx)
	a.remoteLogout(ctx)

	return a.teardown(ctx, cause)
}

func (a *AuthController) eraseStoredSession(ctx context.Context) {
	if err := a.creds.Erase(ctx); err != nil {
		a.logger.Error().Err(err).Msg("erase credentials")
	}
	if err := a.backups.Erase(ctx); err != nil {
		a.logger.Error().Err(err).Msg("erase session backup")
	}
}

func (a *AuthController) remoteLogout(ctx context.Context) {
	if a.client.AccessToken() == "" {
		return
	}
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.LogoutTimeout)
	defer cancel()

	if err := a.client.Logout(logoutCtx); err != nil {
		a.logger.Warn().Err(err).Msg("remote logout failed")
	}
}

// teardown clears all local session state. Stored secrets are erased before
// the logged-out state is published.
func (a *AuthController) teardown(ctx context.Context, cause error) error {
	var errs []error
	if err := a.creds.Erase(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.backups.Erase(ctx); err != nil {
		errs = append(errs, err)
	}

	a.stopObservingLoginState()
	a.syncer.Stop()

	a.mu.Lock()
	a.session = domain.Session{}
	a.password = ""
	a.passwordExpiry = time.Time{}
	hooks := append([]func(){}, a.resetHooks...)
	a.mu.Unlock()

	a.state.reset(cause)
	for _, hook := range hooks {
		hook()
	}

	return errors.Join(errs...)
}

func (a *AuthController) fail(err error) error {
	a.state.setLoginError(err)
	a.state.setAuthState(domain.AuthStateUnauthenticated)
	a.logger.Warn().Err(err).Str("class", domain.ClassifyAuthFailure(err).String()).Msg("authentication failed")

	return err
}

func (a *AuthController) cachePassword(password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.password = password
	a.passwordExpiry = a.clock.Now().Add(passwordCacheTTL)
}

func (a *AuthController) snapshotBackup(ctx context.Context, session domain.Session) {
	if err := a.backups.Save(ctx, session); err != nil {
		a.logger.Warn().Err(err).Msg("snapshot session backup")
	}
}

func (a *AuthController) observeLoginState() {
	updates, unsubscribe := a.client.SubscribeLoginState()
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	previous := a.stopObserving
	var once sync.Once
	a.stopObserving = func() {
		once.Do(func() {
			cancel()
			unsubscribe()
		})
	}
	a.mu.Unlock()
	if previous != nil {
		previous()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-updates:
				if !ok {
					return
				}
				a.handleLoginState(ctx, state)
			}
		}
	}()
}

func (a *AuthController) stopObservingLoginState() {
	a.mu.Lock()
	stop := a.stopObserving
	a.stopObserving = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (a *AuthController) handleLoginState(ctx context.Context, state domain.LoginState) {
	switch state {
	case domain.LoginStateSoftLogout:
		if err := a.HandleSoftLogout(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("soft logout ended the session")
		}
	case domain.LoginStateLoggedOut:
		if !a.state.loggedIn() {
			return
		}
		if err := a.HandlePermanentFailure(ctx, domain.ErrPermanentAuthFailure); err != nil {
			a.logger.Error().Err(err).Msg("tear down logged out session")
		}
	case domain.LoginStateLoggedIn:
		a.state.touch(ChangeLoginState)
	}
}
