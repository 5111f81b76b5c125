package domain

import (
	"fmt"
	"strings"
	"time"
)

const DefaultAccountName AccountName = "default"

type AccountName string

func (n AccountName) Validate() error {
	if n == "" {
		return fmt.Errorf("%w: account name is required", ErrInvalidArgument)
	}
	for _, r := range string(n) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: account name %q may only contain a-z, 0-9, '-' and '_'", ErrInvalidArgument, n)
		}
	}

	return nil
}

func ParseAccountName(raw string) (AccountName, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return DefaultAccountName, nil
	}

	name := AccountName(trimmed)
	if err := name.Validate(); err != nil {
		return "", err
	}

	return name, nil
}

// Account is the registry entry for one logical account. It carries no
// secrets; those live in the secret store under the account's namespace.
type Account struct {
	Name        AccountName
	Homeserver  string
	UserID      string
	DeviceID    string
	LastLoginAt time.Time
}

func (a Account) LoggedIn() bool {
	return a.UserID != ""
}
