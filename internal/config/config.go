package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bnema/lattice/internal/domain"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "LATTICE"
	homeEnv    = "LATTICE_HOME"
	defaultDir = ".config/lattice"
)

const (
	KeyAccount          = "account"
	KeyDeviceName       = "device_name"
	KeySecretsBackend   = "secrets.backend"
	KeySecretsDir       = "secrets.dir"
	KeySecretsPass      = "secrets.pass_prefix"
	KeySecretsSQLite    = "secrets.sqlite_path"
	KeySecretsRedisAddr = "secrets.redis_addr"
	KeySecretsRedisPfx  = "secrets.redis_prefix"
	KeySecretsAgeID     = "secrets.age_identity"
	KeyFirstSyncTimeout = "sync.first_sync_timeout"
	KeyLongPollTimeout  = "sync.long_poll_timeout"
	KeyProbeTimeout     = "probe.timeout"
	KeyLogoutTimeout    = "logout.timeout"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyOTLPEndpoint     = "telemetry.otlp_endpoint"
	KeyAccountsPath     = "accounts.path"
	KeySSOListenAddr    = "sso.listen_addr"
	KeySSOTimeout       = "sso.timeout"
)

type SecretsBackend string

const (
	BackendChain  SecretsBackend = "chain"
	BackendFile   SecretsBackend = "file"
	BackendPass   SecretsBackend = "pass"
	BackendSQLite SecretsBackend = "sqlite"
	BackendRedis  SecretsBackend = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Home       string
	ConfigFile string
	Account    domain.AccountName
	DeviceName string
	Secrets    SecretsConfig
	Sync       SyncConfig
	Probe      time.Duration
	Logout     time.Duration
	Log        LogConfig
	OTLP       string
	Accounts   string
	SSO        SSOConfig
}

type SecretsConfig struct {
	Backend     SecretsBackend
	Dir         string
	PassPrefix  string
	SQLitePath  string
	RedisAddr   string
	RedisPrefix string
	// AgeIdentity enables at-rest encryption of every stored value when set.
	AgeIdentity string
}

type SyncConfig struct {
	FirstSyncTimeout time.Duration
	LongPollTimeout  time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type SSOConfig struct {
	ListenAddr string
	Timeout    time.Duration
}

// Home returns $LATTICE_HOME, or ~/.config/lattice.
func Home() (string, error) {
	if home := strings.TrimSpace(os.Getenv(homeEnv)); home != "" {
		return home, nil
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(userHome, defaultDir), nil
}

// Load reads config.toml from the lattice home (or the file already set on v)
// and the LATTICE_* environment. A missing default config file is not an
// error, a missing explicit one is.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	home, err := Home()
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, home)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := v.ConfigFileUsed() != ""
	if !explicit {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	account, err := domain.ParseAccountName(v.GetString(KeyAccount))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyAccount, err)
	}

	cfg := Config{
		Home:       home,
		ConfigFile: v.ConfigFileUsed(),
		Account:    account,
		DeviceName: v.GetString(KeyDeviceName),
		Secrets: SecretsConfig{
			Backend:     SecretsBackend(strings.ToLower(v.GetString(KeySecretsBackend))),
			Dir:         expandHome(v.GetString(KeySecretsDir)),
			PassPrefix:  v.GetString(KeySecretsPass),
			SQLitePath:  expandHome(v.GetString(KeySecretsSQLite)),
			RedisAddr:   v.GetString(KeySecretsRedisAddr),
			RedisPrefix: v.GetString(KeySecretsRedisPfx),
			AgeIdentity: expandHome(v.GetString(KeySecretsAgeID)),
		},
		Sync: SyncConfig{
			FirstSyncTimeout: v.GetDuration(KeyFirstSyncTimeout),
			LongPollTimeout:  v.GetDuration(KeyLongPollTimeout),
		},
		Probe:  v.GetDuration(KeyProbeTimeout),
		Logout: v.GetDuration(KeyLogoutTimeout),
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString(KeyLogLevel)),
			Format: strings.ToLower(v.GetString(KeyLogFormat)),
		},
		OTLP:     v.GetString(KeyOTLPEndpoint),
		Accounts: expandHome(v.GetString(KeyAccountsPath)),
		SSO: SSOConfig{
			ListenAddr: v.GetString(KeySSOListenAddr),
			Timeout:    v.GetDuration(KeySSOTimeout),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault(KeyAccount, string(domain.DefaultAccountName))
	v.SetDefault(KeyDeviceName, "lattice")
	v.SetDefault(KeySecretsBackend, string(BackendChain))
	v.SetDefault(KeySecretsDir, filepath.Join(home, "secrets"))
	v.SetDefault(KeySecretsPass, "lattice")
	v.SetDefault(KeySecretsSQLite, filepath.Join(home, "secrets.db"))
	v.SetDefault(KeySecretsRedisAddr, "127.0.0.1:6379")
	v.SetDefault(KeySecretsRedisPfx, "lattice:")
	v.SetDefault(KeySecretsAgeID, "")
	v.SetDefault(KeyFirstSyncTimeout, 5*time.Minute)
	v.SetDefault(KeyLongPollTimeout, 30*time.Second)
	v.SetDefault(KeyProbeTimeout, 30*time.Second)
	v.SetDefault(KeyLogoutTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyOTLPEndpoint, "")
	v.SetDefault(KeyAccountsPath, filepath.Join(home, "accounts.toml"))
	v.SetDefault(KeySSOListenAddr, "127.0.0.1:0")
	v.SetDefault(KeySSOTimeout, 5*time.Minute)
}

func (c Config) Validate() error {
	if err := c.Account.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, KeyAccount, err)
	}

	switch c.Secrets.Backend {
	case BackendChain, BackendFile, BackendPass, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("%w: %s: unknown backend %q", ErrInvalidConfig, KeySecretsBackend, c.Secrets.Backend)
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: %s: unknown format %q", ErrInvalidConfig, KeyLogFormat, c.Log.Format)
	}

	for key, d := range map[string]time.Duration{
		KeyFirstSyncTimeout: c.Sync.FirstSyncTimeout,
		KeyLongPollTimeout:  c.Sync.LongPollTimeout,
		KeyProbeTimeout:     c.Probe,
		KeyLogoutTimeout:    c.Logout,
		KeySSOTimeout:       c.SSO.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
		}
	}

	if strings.TrimSpace(c.Accounts) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidConfig, KeyAccountsPath)
	}

	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(userHome, strings.TrimPrefix(path, "~"))
}
