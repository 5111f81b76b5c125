package domain

import (
	"context"
	"errors"
	"net"
)

type AuthFailureClass int

const (
	AuthFailureTransient AuthFailureClass = iota
	AuthFailurePermanent
)

func (c AuthFailureClass) String() string {
	if c == AuthFailurePermanent {
		return "permanent"
	}

	return "transient"
}

// IsPermanentAuthFailure reports whether err means the stored credentials
// can never work again. Soft logout has its own recovery path and is not
// permanent. Anything that is not a Matrix error is transient.
func IsPermanentAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentAuthFailure) {
		return true
	}

	matrixErr, ok := AsMatrixError(err)
	if !ok {
		return false
	}
	if matrixErr.SoftLogout {
		return false
	}

	switch matrixErr.Code {
	case ErrCodeUnknownToken, ErrCodeForbidden, ErrCodeUserDeactivated:
		return true
	default:
		return false
	}
}

func IsSoftLogout(err error) bool {
	matrixErr, ok := AsMatrixError(err)
	if !ok {
		return false
	}

	return matrixErr.SoftLogout || matrixErr.Code == ErrCodeSoftLogout
}

func ClassifyAuthFailure(err error) AuthFailureClass {
	if IsPermanentAuthFailure(err) {
		return AuthFailurePermanent
	}

	return AuthFailureTransient
}

// DescribeError turns an error into the short message shown to users.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "Invalid homeserver address"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for server"
	case errors.Is(err, ErrIllegalState):
		return "Operation not possible in the current session state"
	case errors.Is(err, ErrInvalidRecoveryKey):
		return "Invalid recovery key"
	case errors.Is(err, context.Canceled):
		return "Operation canceled"
	}

	if matrixErr, ok := AsMatrixError(err); ok {
		switch {
		case matrixErr.SoftLogout, matrixErr.Code == ErrCodeSoftLogout, matrixErr.Code == ErrCodeUnknownToken:
			return "Session expired, please log in again"
		case matrixErr.Code == ErrCodeForbidden:
			return "Invalid username or password"
		case matrixErr.Code == ErrCodeUserDeactivated:
			return "This account has been deactivated"
		case matrixErr.Code == ErrCodeLimitExceeded:
			return "Too many requests, try again later"
		case matrixErr.Code == ErrCodeUserInUse:
			return "Username is already taken"
		case matrixErr.StatusCode == 404:
			return "Server does not support this operation"
		default:
			return "Server rejected the request"
		}
	}

	if errors.Is(err, ErrPermanentAuthFailure) {
		return "Session expired, please log in again"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return "Could not reach server"
	}
	if errors.Is(err, ErrTransientAuthFailure) {
		return "Could not reach server"
	}

	return "Something went wrong"
}
