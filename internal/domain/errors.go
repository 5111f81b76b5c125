package domain

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrSecretNotFound  = errors.New("secret not found")
	ErrNoSession       = errors.New("no session")

	ErrInvalidArgument      = errors.New("invalid argument")
	ErrTimeout              = errors.New("timeout")
	ErrPermanentAuthFailure = errors.New("permanent auth failure")
	ErrTransientAuthFailure = errors.New("transient auth failure")
	ErrIllegalState         = errors.New("illegal state")
	ErrInvalidRecoveryKey   = errors.New("invalid recovery key")
)
