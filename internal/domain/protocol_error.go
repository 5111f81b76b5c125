package domain

import (
	"errors"
	"fmt"
)

// Matrix error codes the coordinator reacts to.
const (
	ErrCodeForbidden       = "M_FORBIDDEN"
	ErrCodeUnknownToken    = "M_UNKNOWN_TOKEN"
	ErrCodeUserDeactivated = "M_USER_DEACTIVATED"
	ErrCodeSoftLogout      = "M_SOFT_LOGOUT"
	ErrCodeNotFound        = "M_NOT_FOUND"
	ErrCodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	ErrCodeUserInUse       = "M_USER_IN_USE"
	ErrCodeInvalidParam    = "M_INVALID_PARAM"
	ErrCodeUnrecognized    = "M_UNRECOGNIZED"
	ErrCodeUnknown         = "M_UNKNOWN"
)

// MatrixError is a structured error response from a homeserver. Body keeps
// the raw response so callers can read fields beyond errcode, such as the
// flows of a 401 registration response.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	SoftLogout bool   `json:"soft_logout,omitempty"`
	StatusCode int    `json:"-"`
	Body       []byte `json:"-"`
}

func (e *MatrixError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matrix: http %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}

	return false
}

func AsMatrixError(err error) (*MatrixError, bool) {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr, true
	}

	return nil, false
}
