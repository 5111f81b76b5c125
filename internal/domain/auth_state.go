package domain

type AuthState int

const (
	AuthStateUnauthenticated AuthState = iota
	AuthStateLoggingIn
	AuthStateAuthenticated
	AuthStateSoftLogoutRecovering
)

func (s AuthState) String() string {
	switch s {
	case AuthStateUnauthenticated:
		return "unauthenticated"
	case AuthStateLoggingIn:
		return "logging_in"
	case AuthStateAuthenticated:
		return "authenticated"
	case AuthStateSoftLogoutRecovering:
		return "soft_logout_recovering"
	default:
		return "unknown"
	}
}

// LoggedIn reports whether the state carries a live session. A session that
// is recovering from a soft logout still counts.
func (s AuthState) LoggedIn() bool {
	return s == AuthStateAuthenticated || s == AuthStateSoftLogoutRecovering
}

type LoginState string

const (
	LoginStateLoggedIn   LoginState = "logged_in"
	LoginStateLoggedOut  LoginState = "logged_out"
	LoginStateSoftLogout LoginState = "soft_logout"
)

type BackupStatus int

const (
	BackupStatusUnknown BackupStatus = iota
	BackupStatusNeeded
	BackupStatusSatisfied
)

func (s BackupStatus) String() string {
	switch s {
	case BackupStatusNeeded:
		return "needed"
	case BackupStatusSatisfied:
		return "satisfied"
	default:
		return "unknown"
	}
}

// Needed returns the tri-state as (needed, known).
func (s BackupStatus) Needed() (bool, bool) {
	switch s {
	case BackupStatusNeeded:
		return true, true
	case BackupStatusSatisfied:
		return false, true
	default:
		return false, false
	}
}

type CryptoIdentityState int

const (
	CryptoIdentityUnknown CryptoIdentityState = iota
	// CryptoIdentityUninitialized means no key backup exists on the server.
	CryptoIdentityUninitialized
	// CryptoIdentityLocked means a backup exists but this device holds no key for it.
	CryptoIdentityLocked
	CryptoIdentityConnected
)

func (s CryptoIdentityState) String() string {
	switch s {
	case CryptoIdentityUninitialized:
		return "uninitialized"
	case CryptoIdentityLocked:
		return "locked"
	case CryptoIdentityConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s CryptoIdentityState) BackupStatus() BackupStatus {
	switch s {
	case CryptoIdentityConnected:
		return BackupStatusSatisfied
	case CryptoIdentityUninitialized, CryptoIdentityLocked:
		return BackupStatusNeeded
	default:
		return BackupStatusUnknown
	}
}
