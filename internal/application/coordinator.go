package application

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

type coordinatorOptions struct {
	account          domain.AccountName
	logger           zerolog.Logger
	clock            ports.Clock
	handler          EventHandler
	firstSyncTimeout time.Duration
	probeTimeout     time.Duration
	logoutTimeout    time.Duration
	deviceName       string
}

type Option func(*coordinatorOptions)

func WithAccount(account domain.AccountName) Option {
	return func(o *coordinatorOptions) { o.account = account }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *coordinatorOptions) { o.logger = logger }
}

func WithClock(clock ports.Clock) Option {
	return func(o *coordinatorOptions) { o.clock = clock }
}

// WithObserver receives operation and state events, for telemetry.
func WithObserver(handler EventHandler) Option {
	return func(o *coordinatorOptions) { o.handler = handler }
}

func WithFirstSyncTimeout(timeout time.Duration) Option {
	return func(o *coordinatorOptions) { o.firstSyncTimeout = timeout }
}

func WithProbeTimeout(timeout time.Duration) Option {
	return func(o *coordinatorOptions) { o.probeTimeout = timeout }
}

func WithLogoutTimeout(timeout time.Duration) Option {
	return func(o *coordinatorOptions) { o.logoutTimeout = timeout }
}

func WithDeviceName(name string) Option {
	return func(o *coordinatorOptions) { o.deviceName = name }
}

// Coordinator wires the session components around one protocol client and
// one secret store, and is the only surface the UI talks to.
type Coordinator struct {
	client  ports.ProtocolClient
	state   *sessionState
	creds   *CredentialStore
	backups *SessionBackupStore
	prober  *CapabilityProber
	unlock  *BackupAutoUnlock
	syncer  *SyncBootstrapper
	auth    *AuthController
	emitter eventEmitter
	logger  zerolog.Logger

	firstSyncTimeout time.Duration
	closeOnce        sync.Once
}

func NewCoordinator(client ports.ProtocolClient, store ports.SecretStore, opts ...Option) *Coordinator {
	o := coordinatorOptions{
		account:          domain.DefaultAccountName,
		logger:           zerolog.Nop(),
		clock:            ports.SystemClock{},
		firstSyncTimeout: DefaultFirstSyncTimeout,
		probeTimeout:     DefaultProbeTimeout,
		logoutTimeout:    DefaultLogoutTimeout,
		deviceName:       "lattice",
	}
	for _, opt := range opts {
		opt(&o)
	}

	emitter := eventEmitter{handler: o.handler, clock: o.clock, account: o.account}
	state := newSessionState(o.account, emitter)
	creds := NewCredentialStore(store, o.account, o.logger)
	backups := NewSessionBackupStore(store, o.account, o.clock)
	unlock := NewBackupAutoUnlock(client, client.UserID, creds, state, o.logger)
	syncer := NewSyncBootstrapper(client, unlock, state, o.clock, emitter, o.logger)
	// every writer of the client's homeserver goes through this gate
	gate := &fifoGate{}
	auth := NewAuthController(client, creds, backups, syncer, state, gate, o.clock, AuthControllerConfig{
		DeviceName:       o.deviceName,
		FirstSyncTimeout: o.firstSyncTimeout,
		LogoutTimeout:    o.logoutTimeout,
	}, o.logger)
	prober := NewCapabilityProber(client, gate, state.loggedIn, o.probeTimeout, o.logger)

	return &Coordinator{
		client:           client,
		state:            state,
		creds:            creds,
		backups:          backups,
		prober:           prober,
		unlock:           unlock,
		syncer:           syncer,
		auth:             auth,
		emitter:          emitter,
		logger:           o.logger,
		firstSyncTimeout: o.firstSyncTimeout,
	}
}

func (c *Coordinator) Account() domain.AccountName {
	return c.creds.Account()
}

func (c *Coordinator) IsLoggedIn() bool {
	return c.state.loggedIn()
}

func (c *Coordinator) State() domain.AuthState {
	return c.state.authState()
}

// LoginError returns the human-readable reason of the last failure, if any.
func (c *Coordinator) LoginError() (string, bool) {
	msg := c.state.snapshot().LoginError
	return msg, msg != ""
}

// ChatBackupNeeded is tri-state: known is false until the backup status
// has been read once.
func (c *Coordinator) ChatBackupNeeded() (needed, known bool) {
	return c.state.snapshot().BackupStatus.Needed()
}

func (c *Coordinator) Snapshot() Snapshot {
	return c.state.snapshot()
}

func (c *Coordinator) Session() domain.Session {
	return c.auth.Session()
}

func (c *Coordinator) CachedPassword() (string, bool) {
	return c.auth.CachedPassword()
}

// Subscribe returns a channel of changes and the func that ends the
// subscription. The channel is buffered; a subscriber that falls behind
// misses changes and should re-read Snapshot.
func (c *Coordinator) Subscribe() (<-chan Change, func()) {
	return c.state.subscribe()
}

func (c *Coordinator) RegisterResetHook(hook func()) {
	c.auth.RegisterResetHook(hook)
}

func (c *Coordinator) Probe(ctx context.Context, homeserver string) (domain.ServerAuthCapabilities, error) {
	done := c.emitter.begin("probe")
	caps, err := c.prober.Probe(ctx, homeserver)
	done(err)
	return caps, err
}

func (c *Coordinator) Login(ctx context.Context, homeserver, username, password string) error {
	done := c.emitter.begin("login")
	err := c.auth.Login(ctx, homeserver, username, password)
	done(err)
	return err
}

func (c *Coordinator) CompleteSSOLogin(ctx context.Context, homeserver, loginToken string) error {
	done := c.emitter.begin("sso_login")
	err := c.auth.CompleteSSOLogin(ctx, homeserver, loginToken)
	done(err)
	return err
}

func (c *Coordinator) CompleteRegistration(ctx context.Context, result RegistrationResult, password string) error {
	done := c.emitter.begin("complete_registration")
	err := c.auth.CompleteRegistration(ctx, result, password)
	done(err)
	return err
}

func (c *Coordinator) Logout(ctx context.Context) error {
	done := c.emitter.begin("logout")
	err := c.auth.Logout(ctx)
	done(err)
	return err
}

func (c *Coordinator) HandleSoftLogout(ctx context.Context) error {
	done := c.emitter.begin("soft_logout")
	err := c.auth.HandleSoftLogout(ctx)
	done(err)
	return err
}

// HandleAuthFailure reacts to an error from a stored-session call: permanent
// failures erase the session, anything else is left for a retry.
func (c *Coordinator) HandleAuthFailure(ctx context.Context, err error) error {
	return c.auth.HandlePermanentFailure(ctx, err)
}

func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	done := c.emitter.begin("restore")
	ok, err := c.auth.Restore(ctx)
	done(err)
	return ok, err
}

// StartSync starts syncing a restored session and waits for the first sync.
func (c *Coordinator) StartSync(ctx context.Context) error {
	done := c.emitter.begin("start_sync")
	err := c.startSync(ctx)
	done(err)
	return err
}

func (c *Coordinator) startSync(ctx context.Context) error {
	if !c.state.loggedIn() {
		return domain.ErrNoSession
	}
	err := c.syncer.StartSync(ctx, c.firstSyncTimeout)
	if err != nil {
		// a permanent failure surfaces through the login-state stream, but a
		// rejected token on the first request is handled here as well
		if handleErr := c.auth.HandlePermanentFailure(ctx, err); handleErr != nil {
			c.logger.Error().Err(handleErr).Msg("tear down after sync failure")
		}
		c.state.setLoginError(err)
	}

	return err
}

func (c *Coordinator) StopSync() {
	c.syncer.Stop()
}

func (c *Coordinator) RefreshBackupStatus(ctx context.Context) domain.BackupStatus {
	return c.unlock.RefreshStatus(ctx)
}

func (c *Coordinator) UnlockBackup(ctx context.Context, recoveryKey string) error {
	done := c.emitter.begin("unlock_backup")
	err := c.unlock.Unlock(ctx, recoveryKey)
	done(err)
	return err
}

func (c *Coordinator) ResetBackup(ctx context.Context) error {
	done := c.emitter.begin("reset_backup")
	err := c.unlock.Reset(ctx)
	done(err)
	return err
}

// Close cancels every owned subscription and the sync loop. Stored
// credentials are kept.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.auth.stopObservingLoginState()
		c.syncer.Stop()
		c.state.closeSubscribers()
	})
}
