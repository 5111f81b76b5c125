package application

import "github.com/bnema/lattice/internal/domain"

type AccountStatus struct {
	Account          domain.Account
	HasStoredSession bool
}
