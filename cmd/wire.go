package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	matrixadapter "github.com/bnema/lattice/internal/adapters/matrix"
	tomlrepo "github.com/bnema/lattice/internal/adapters/repo/toml"
	chainstore "github.com/bnema/lattice/internal/adapters/secrets/chain"
	filestore "github.com/bnema/lattice/internal/adapters/secrets/file"
	passstore "github.com/bnema/lattice/internal/adapters/secrets/pass"
	redisstore "github.com/bnema/lattice/internal/adapters/secrets/redis"
	sealedstore "github.com/bnema/lattice/internal/adapters/secrets/sealed"
	sqlitestore "github.com/bnema/lattice/internal/adapters/secrets/sqlite"
	"github.com/bnema/lattice/internal/adapters/telemetry"
	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/config"
	"github.com/bnema/lattice/internal/ports"
	"github.com/bnema/lattice/internal/version"
)

type app struct {
	cfg         config.Config
	logger      zerolog.Logger
	store       ports.SecretStore
	client      *matrixadapter.Client
	coordinator *application.Coordinator
	accounts    *application.AccountService
	telemetry   *telemetry.Telemetry
	now         func() time.Time
	closers     []func() error
	wired       bool
}

func (a *app) wire(cmd *cobra.Command, opts *rootOptions) error {
	if a.wired {
		return nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	v := viper.New()
	if opts.configFile != "" {
		v.SetConfigFile(opts.configFile)
	}
	if err := v.BindPFlag(config.KeyAccount, cmd.Flags().Lookup("account")); err != nil {
		return fmt.Errorf("bind account flag: %w", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.now = time.Now

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger = logger.With().Str("account", string(cfg.Account)).Logger()

	store, closeStore, err := newSecretStore(ctx, cfg.Secrets, a.logger)
	if err != nil {
		return fmt.Errorf("wire secret store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	repo, err := tomlrepo.NewRepository(cfg.Accounts)
	if err != nil {
		return fmt.Errorf("wire account repository: %w", err)
	}
	a.accounts = application.NewAccountService(repo, store, ports.SystemClock{})

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLP,
	})
	if err != nil {
		return fmt.Errorf("wire telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	a.client = matrixadapter.NewClient(matrixadapter.ClientConfig{
		Logger:          a.logger.With().Str("component", "matrix").Logger(),
		LongPollTimeout: cfg.Sync.LongPollTimeout,
	})
	a.coordinator = application.NewCoordinator(a.client, store,
		application.WithAccount(cfg.Account),
		application.WithLogger(a.logger),
		application.WithObserver(tel.Observer()),
		application.WithFirstSyncTimeout(cfg.Sync.FirstSyncTimeout),
		application.WithProbeTimeout(cfg.Probe),
		application.WithLogoutTimeout(cfg.Logout),
		application.WithDeviceName(cfg.DeviceName),
	)
	a.coordinator.RegisterResetHook(func() {
		if err := a.accounts.RecordLogout(context.WithoutCancel(ctx), cfg.Account); err != nil {
			a.logger.Warn().Err(err).Msg("record logout")
		}
	})

	a.wired = true
	return nil
}

// close releases everything wire opened, in reverse order. Stored sessions
// are left in place.
func (a *app) close() {
	if a.coordinator != nil {
		a.coordinator.Close()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("release resources")
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}

	if cfg.Format == "json" {
		return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger(), nil
}

func newSecretStore(ctx context.Context, cfg config.SecretsConfig, logger zerolog.Logger) (ports.SecretStore, func() error, error) {
	noop := func() error { return nil }

	var (
		store     ports.SecretStore
		closeFunc = noop
	)
	switch cfg.Backend {
	case config.BackendChain:
		chain, err := chainstore.NewPassFirstWithFileFallback(cfg.PassPrefix, cfg.Dir,
			chainstore.WithLogger(logger.With().Str("component", "secrets").Logger()))
		if err != nil {
			return nil, nil, err
		}
		store = chain
	case config.BackendFile:
		store = filestore.NewStore(cfg.Dir)
	case config.BackendPass:
		store = passstore.NewStore(cfg.PassPrefix)
	case config.BackendSQLite:
		db, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, closeFunc = db, db.Close
	case config.BackendRedis:
		rdb, err := redisstore.Dial(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		store, closeFunc = rdb, rdb.Close
	default:
		return nil, nil, fmt.Errorf("%w: unknown secrets backend %q", config.ErrInvalidConfig, cfg.Backend)
	}

	if cfg.AgeIdentity != "" {
		identity, err := sealedstore.LoadOrCreateIdentity(cfg.AgeIdentity)
		if err != nil {
			_ = closeFunc()
			return nil, nil, fmt.Errorf("load age identity: %w", err)
		}
		store = sealedstore.NewStore(store, identity)
	}

	return store, closeFunc, nil
}
