package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	filestore "github.com/bnema/lattice/internal/adapters/secrets/file"
	passstore "github.com/bnema/lattice/internal/adapters/secrets/pass"
	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

// Store reads and writes through a primary backend and falls back to a
// second one when the primary fails. Deletes go to both so a credential
// erased from the primary cannot resurface from the fallback; an unreachable
// primary is tolerated as long as the fallback delete succeeds.
type Store struct {
	primary  ports.SecretStore
	fallback ports.SecretStore
	logger   zerolog.Logger
}

var _ ports.SecretStore = (*Store)(nil)

var (
	errNilPrimaryStore  = errors.New("primary secret store is nil")
	errNilFallbackStore = errors.New("fallback secret store is nil")
)

type Option func(*Store)

// WithLogger reports every fallback at warn level. Only key names are
// logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(primary ports.SecretStore, fallback ports.SecretStore, opts ...Option) *Store {
	store, err := NewStoreChecked(primary, fallback, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

func NewStoreChecked(primary ports.SecretStore, fallback ports.SecretStore, opts ...Option) (*Store, error) {
	if primary == nil {
		return nil, errNilPrimaryStore
	}
	if fallback == nil {
		return nil, errNilFallbackStore
	}

	store := &Store{primary: primary, fallback: fallback, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// NewPassFirstWithFileFallback keeps credentials in pass and falls back to
// private files when pass is missing or locked.
func NewPassFirstWithFileFallback(passPrefix, fileRoot string, opts ...Option) (*Store, error) {
	return NewStoreChecked(passstore.NewStore(passPrefix), filestore.NewStore(fileRoot), opts...)
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	err := s.primary.Put(ctx, key, value)
	if err == nil {
		return nil
	}
	if shouldSkipFallback(err) {
		return err
	}
	s.warnFallback("put", key, err)

	if fallbackErr := s.fallback.Put(ctx, key, value); fallbackErr != nil {
		return fmt.Errorf("primary backend put failed: %w; fallback backend put failed: %w", err, fallbackErr)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.primary.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if shouldSkipFallback(err) {
		return "", err
	}
	// a miss in the primary is normal for values written while it was down
	if !errors.Is(err, domain.ErrSecretNotFound) {
		s.warnFallback("get", key, err)
	}

	fallbackValue, fallbackErr := s.fallback.Get(ctx, key)
	switch {
	case fallbackErr == nil:
		return fallbackValue, nil
	case errors.Is(err, domain.ErrSecretNotFound) && errors.Is(fallbackErr, domain.ErrSecretNotFound):
		return "", fmt.Errorf("secret %q: %w", key, domain.ErrSecretNotFound)
	default:
		return "", fmt.Errorf("primary backend get failed: %w; fallback backend get failed: %w", err, fallbackErr)
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if shouldSkipFallback(err) {
		return err
	}

	fallbackErr := s.fallback.Delete(ctx, key)
	switch {
	case fallbackErr == nil:
		if err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
			s.warnFallback("delete", key, err)
		}
		return nil
	case err == nil:
		return fmt.Errorf("fallback backend delete failed: %w", fallbackErr)
	default:
		return fmt.Errorf("primary backend delete failed: %w; fallback backend delete failed: %w", err, fallbackErr)
	}
}

func (s *Store) warnFallback(op, key string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("primary secret store failed, using fallback")
}

func shouldSkipFallback(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
