package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHomeserver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare host gets https", input: "example.com", want: "https://example.com"},
		{name: "surrounding whitespace trimmed", input: "  matrix.org \n", want: "https://matrix.org"},
		{name: "explicit http kept", input: "http://localhost:8008", want: "http://localhost:8008"},
		{name: "trailing slash dropped", input: "https://example.com/", want: "https://example.com"},
		{name: "host with port", input: "example.com:8448", want: "https://example.com:8448"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: " \t ", wantErr: true},
		{name: "unsupported scheme", input: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeHomeserver(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unknown token", err: &MatrixError{Code: ErrCodeUnknownToken, StatusCode: 401}, want: true},
		{name: "forbidden", err: &MatrixError{Code: ErrCodeForbidden, StatusCode: 403}, want: true},
		{name: "user deactivated", err: &MatrixError{Code: ErrCodeUserDeactivated, StatusCode: 403}, want: true},
		{name: "wrapped unknown token", err: fmt.Errorf("sync: %w", &MatrixError{Code: ErrCodeUnknownToken}), want: true},
		{name: "soft logout code", err: &MatrixError{Code: ErrCodeSoftLogout, StatusCode: 401}, want: false},
		{name: "unknown token flagged soft logout", err: &MatrixError{Code: ErrCodeUnknownToken, SoftLogout: true}, want: false},
		{name: "rate limited", err: &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}, want: false},
		{name: "network error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: false},
		{name: "timeout", err: context.DeadlineExceeded, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, IsPermanentAuthFailure(tt.err))
			if tt.want {
				assert.Equal(t, AuthFailurePermanent, ClassifyAuthFailure(tt.err))
			} else {
				assert.Equal(t, AuthFailureTransient, ClassifyAuthFailure(tt.err))
			}
		})
	}
}

func TestDescribeErrorNeverLeaksProtocolDetails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "forbidden", err: &MatrixError{Code: ErrCodeForbidden, Message: "Invalid password"}, want: "Invalid username or password"},
		{name: "soft logout", err: &MatrixError{Code: ErrCodeUnknownToken, SoftLogout: true}, want: "Session expired, please log in again"},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: "Could not reach server"},
		{name: "timeout", err: fmt.Errorf("first sync: %w", ErrTimeout), want: "Timed out waiting for server"},
		{name: "bad input", err: fmt.Errorf("%w: homeserver is empty", ErrInvalidArgument), want: "Invalid homeserver address"},
		{name: "recovery key", err: ErrInvalidRecoveryKey, want: "Invalid recovery key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DescribeError(tt.err))
		})
	}

	assert.Empty(t, DescribeError(nil))
}

func TestServerAuthCapabilitiesZeroValueIsEmpty(t *testing.T) {
	t.Parallel()

	assert.True(t, ServerAuthCapabilities{}.IsEmpty())
	assert.False(t, ServerAuthCapabilities{SupportsPassword: true}.IsEmpty())

	caps := ServerAuthCapabilities{RegistrationStages: []string{RegistrationStageDummy, RegistrationStageToken}}
	assert.True(t, caps.RequiresRegistrationToken())
	assert.False(t, caps.HasRegistrationStage("m.login.email.identity"))
}

func TestParseAccountName(t *testing.T) {
	t.Parallel()

	name, err := ParseAccountName("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAccountName, name)

	name, err = ParseAccountName(" Work ")
	require.NoError(t, err)
	assert.Equal(t, AccountName("work"), name)

	_, err = ParseAccountName("../escape")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()

	err := Session{UserID: "@alice:example.com"}.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "access token is required")
	assert.ErrorContains(t, err, "homeserver is required")

	require.NoError(t, Session{AccessToken: "tok", UserID: "@alice:example.com", Homeserver: "https://example.com"}.Validate())
	assert.True(t, Session{}.IsZero())
}

func TestCryptoIdentityStateBackupStatus(t *testing.T) {
	t.Parallel()

	needed, known := CryptoIdentityConnected.BackupStatus().Needed()
	assert.True(t, known)
	assert.False(t, needed)

	needed, known = CryptoIdentityLocked.BackupStatus().Needed()
	assert.True(t, known)
	assert.True(t, needed)

	_, known = CryptoIdentityUnknown.BackupStatus().Needed()
	assert.False(t, known)
}
