package ports

import (
	"context"

	"github.com/bnema/lattice/internal/domain"
)

type AccountRepository interface {
	GetByName(ctx context.Context, name domain.AccountName) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	Save(ctx context.Context, account domain.Account) error
	Delete(ctx context.Context, name domain.AccountName) error
}
