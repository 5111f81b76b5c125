package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

func TestRenderLoggedInSession(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	output, err := RenderSession(application.Snapshot{
		Account:      "default",
		State:        domain.AuthStateAuthenticated,
		UserID:       "@alice:example.org",
		Homeserver:   "https://matrix.example.org",
		DeviceID:     "ABCDEF",
		BackupStatus: domain.BackupStatusNeeded,
		FirstSynced:  true,
		SyncCount:    3,
		LastSyncAt:   now.Add(-5 * time.Minute),
	}, RenderOptions{Now: now})

	require.NoError(t, err)
	assert.Contains(t, output, "account: default")
	assert.Contains(t, output, "authenticated")
	assert.Contains(t, output, "@alice:example.org")
	assert.Contains(t, output, "https://matrix.example.org")
	assert.Contains(t, output, "ABCDEF")
	assert.Contains(t, output, "needs recovery key")
	assert.Contains(t, output, "3 updates, last 5 minutes ago")
	assert.NotContains(t, output, "last error")
}

func TestRenderSessionWaitingForFirstSync(t *testing.T) {
	output, err := RenderSession(application.Snapshot{
		Account:      "work",
		State:        domain.AuthStateSoftLogoutRecovering,
		UserID:       "@bob:example.org",
		Homeserver:   "https://matrix.example.org",
		BackupStatus: domain.BackupStatusSatisfied,
	}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "soft_logout_recovering")
	assert.Contains(t, output, "waiting for first sync")
	assert.Contains(t, output, "connected")
	assert.Contains(t, output, "device:")
	assert.Contains(t, output, "unknown")
}

func TestRenderLoggedOutSessionShowsLastError(t *testing.T) {
	output, err := RenderSession(application.Snapshot{
		Account:    "default",
		State:      domain.AuthStateUnauthenticated,
		LoginError: "Session expired, please log in again",
	}, RenderOptions{})

	require.NoError(t, err)
	assert.Contains(t, output, "unauthenticated")
	assert.Contains(t, output, "Session expired, please log in again")
	assert.Contains(t, output, "Not logged in.")
	assert.NotContains(t, output, "homeserver:")
}

func TestRenderCapabilities(t *testing.T) {
	output, err := RenderCapabilities("matrix.example.org", domain.ServerAuthCapabilities{
		SupportsPassword:     true,
		SupportsSSO:          true,
		SSOIdentityProviders: []domain.IdentityProvider{{ID: "oidc-github", Name: "GitHub"}},
		SupportsRegistration: true,
		RegistrationStages:   []string{domain.RegistrationStageDummy, domain.RegistrationStageToken},
		ResolvedHomeserver:   "https://matrix-client.example.org",
	})

	require.NoError(t, err)
	assert.Contains(t, output, "Homeserver Capabilities")
	assert.Contains(t, output, "https://matrix-client.example.org")
	assert.Contains(t, output, "- GitHub (oidc-github)")
	assert.Contains(t, output, "m.login.dummy, m.login.registration_token")
	assert.Contains(t, output, "needs a token")
}

func TestRenderEmptyCapabilities(t *testing.T) {
	output, err := RenderCapabilities("matrix.example.org", domain.ServerAuthCapabilities{})

	require.NoError(t, err)
	assert.Contains(t, output, "No capabilities reported.")
	assert.NotContains(t, output, "password:")
}

func TestRenderAccounts(t *testing.T) {
	loginAt := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

	output, err := RenderAccounts([]application.AccountStatus{
		{
			Account: domain.Account{
				Name:        "default",
				UserID:      "@alice:example.org",
				Homeserver:  "https://matrix.example.org",
				LastLoginAt: loginAt,
			},
			HasStoredSession: true,
		},
		{Account: domain.Account{Name: "work", Homeserver: "https://matrix.corp.example"}},
	}, "default")

	require.NoError(t, err)
	assert.Contains(t, output, "accounts: 2")
	assert.Contains(t, output, "default *")
	assert.Contains(t, output, "stored session")
	assert.Contains(t, output, "no stored session")
	assert.Contains(t, output, "2026-02-14 09:30")
	assert.NotContains(t, output, "work *")
}

func TestRenderNoAccounts(t *testing.T) {
	output, err := RenderAccounts(nil, "default")

	require.NoError(t, err)
	assert.Contains(t, output, "accounts: 0")
	assert.Contains(t, output, "No accounts yet.")
}

func TestFormatAgo(t *testing.T) {
	now := time.Date(2026, 2, 14, 11, 0, 0, 0, time.UTC)

	assert.Equal(t, "just now", formatAgo(now.Add(-10*time.Second), now))
	assert.Equal(t, "1 minute ago", formatAgo(now.Add(-time.Minute), now))
	assert.Equal(t, "2 hours ago", formatAgo(now.Add(-2*time.Hour), now))
	assert.Equal(t, "11:00 on 12 Feb", formatAgo(now.Add(-48*time.Hour), now))
	assert.Equal(t, "2026-02-14T11:00:00Z", formatAgo(now, time.Time{}))
}
