package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bnema/lattice/internal/domain"
	"github.com/bnema/lattice/internal/ports"
)

// AccountService keeps the registry of logical accounts in step with the
// sessions the coordinator creates and ends. Secrets never pass through it.
type AccountService struct {
	repo  ports.AccountRepository
	store ports.SecretStore
	clock ports.Clock
}

func NewAccountService(repo ports.AccountRepository, store ports.SecretStore, clock ports.Clock) *AccountService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &AccountService{repo: repo, store: store, clock: clock}
}

func (s *AccountService) RecordLogin(ctx context.Context, name domain.AccountName, session domain.Session) error {
	if err := name.Validate(); err != nil {
		return err
	}

	account, err := s.repo.GetByName(ctx, name)
	if err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return fmt.Errorf("get account by name: %w", err)
		}
		account = domain.Account{Name: name}
	}

	account.Homeserver = session.Homeserver
	account.UserID = session.UserID
	account.DeviceID = session.DeviceID
	account.LastLoginAt = s.clock.Now()

	if err := s.repo.Save(ctx, account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	return nil
}

// RecordLogout clears the identity of the account but keeps the entry and
// its homeserver so the next login can default to it.
func (s *AccountService) RecordLogout(ctx context.Context, name domain.AccountName) error {
	account, err := s.repo.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return nil
		}
		return fmt.Errorf("get account by name: %w", err)
	}

	account.UserID = ""
	account.DeviceID = ""
	if err := s.repo.Save(ctx, account); err != nil {
		return fmt.Errorf("save account: %w", err)
	}

	return nil
}

func (s *AccountService) Get(ctx context.Context, name domain.AccountName) (domain.Account, error) {
	account, err := s.repo.GetByName(ctx, name)
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account by name: %w", err)
	}

	return account, nil
}

func (s *AccountService) List(ctx context.Context) ([]AccountStatus, error) {
	accounts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	slices.SortFunc(accounts, func(a, b domain.Account) int {
		return strings.Compare(string(a.Name), string(b.Name))
	})

	statuses := make([]AccountStatus, 0, len(accounts))
	for _, account := range accounts {
		stored, err := s.hasStoredSession(ctx, account.Name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, AccountStatus{Account: account, HasStoredSession: stored})
	}

	return statuses, nil
}

// Remove forgets an account. Its stored session, if any, must be ended
// first.
func (s *AccountService) Remove(ctx context.Context, name domain.AccountName) error {
	stored, err := s.hasStoredSession(ctx, name)
	if err != nil {
		return err
	}
	if stored {
		return fmt.Errorf("remove account %s: %w: log out first", name, domain.ErrIllegalState)
	}
	if err := s.repo.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	return nil
}

func (s *AccountService) hasStoredSession(ctx context.Context, name domain.AccountName) (bool, error) {
	_, err := s.store.Get(ctx, keyPrefix+string(name)+"_"+suffixAccessToken)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrSecretNotFound) {
		return false, nil
	}

	return false, fmt.Errorf("read stored session of %s: %w", name, err)
}
