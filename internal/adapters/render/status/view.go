package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

type RenderOptions struct {
	Now time.Time
}

func RenderSession(snapshot application.Snapshot, opts RenderOptions) (string, error) {
	return run(func(s styles) string {
		return sessionView(snapshot, opts, s)
	})
}

func RenderCapabilities(homeserver string, capabilities domain.ServerAuthCapabilities) (string, error) {
	return run(func(s styles) string {
		return capabilitiesView(homeserver, capabilities, s)
	})
}

func RenderAccounts(statuses []application.AccountStatus, current domain.AccountName) (string, error) {
	return run(func(s styles) string {
		return accountsView(statuses, current, s)
	})
}

func sessionView(snapshot application.Snapshot, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Matrix Session"),
		s.account.Render(fmt.Sprintf("account: %s", snapshot.Account)),
	}

	if !snapshot.IsLoggedIn() {
		lines = append(lines, field(s, "state", stateLabel(snapshot.State, s)))
		if snapshot.LoginError != "" {
			lines = append(lines, field(s, "last error", s.warning.Render(snapshot.LoginError)))
		}
		lines = append(lines, s.empty.Render("Not logged in."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	lines = append(lines,
		field(s, "state", stateLabel(snapshot.State, s)),
		field(s, "user", s.detail.Render(snapshot.UserID)),
		field(s, "homeserver", s.detail.Render(snapshot.Homeserver)),
		field(s, "device", s.detail.Render(valueOr(snapshot.DeviceID, "unknown"))),
		field(s, "key backup", backupLabel(snapshot.BackupStatus, s)),
		field(s, "sync", syncLabel(snapshot, opts, s)),
	)
	if snapshot.LoginError != "" {
		lines = append(lines, field(s, "last error", s.warning.Render(snapshot.LoginError)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func capabilitiesView(homeserver string, c domain.ServerAuthCapabilities, s styles) string {
	lines := []string{
		s.title.Render("Homeserver Capabilities"),
		s.header.Render(homeserver),
	}
	if c.IsEmpty() {
		lines = append(lines, s.empty.Render("No capabilities reported."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	lines = append(lines,
		field(s, "resolved", s.detail.Render(valueOr(c.ResolvedHomeserver, homeserver))),
		field(s, "password", yesNo(c.SupportsPassword, s)),
		field(s, "sso", yesNo(c.SupportsSSO, s)),
	)
	for _, provider := range c.SSOIdentityProviders {
		lines = append(lines, field(s, "", s.detail.Render(fmt.Sprintf("- %s (%s)", provider.Name, provider.ID))))
	}
	lines = append(lines, field(s, "registration", yesNo(c.SupportsRegistration, s)))
	if len(c.RegistrationStages) > 0 {
		lines = append(lines, field(s, "stages", s.detail.Render(strings.Join(c.RegistrationStages, ", "))))
	}
	if c.RequiresRegistrationToken() {
		lines = append(lines, s.pending.Render("Registration needs a token from the server admin."))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func accountsView(statuses []application.AccountStatus, current domain.AccountName, s styles) string {
	lines := []string{
		s.title.Render("Accounts"),
		s.header.Render(fmt.Sprintf("accounts: %d", len(statuses))),
	}
	if len(statuses) == 0 {
		lines = append(lines, s.empty.Render("No accounts yet. Run `lattice login` to add one."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, status := range statuses {
		lines = append(lines, s.section.Render(accountBlock(status, status.Account.Name == current, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func accountBlock(status application.AccountStatus, current bool, s styles) string {
	title := string(status.Account.Name)
	if current {
		title += " *"
	}
	session := s.empty.Render("no stored session")
	if status.HasStoredSession {
		session = s.good.Render("stored session")
	}

	parts := []string{
		s.account.Render(title),
		field(s, "user", s.detail.Render(valueOr(status.Account.UserID, "-"))),
		field(s, "homeserver", s.detail.Render(valueOr(status.Account.Homeserver, "-"))),
		field(s, "session", session),
	}
	if !status.Account.LastLoginAt.IsZero() {
		parts = append(parts, field(s, "last login", s.detail.Render(status.Account.LastLoginAt.Format("2006-01-02 15:04"))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func field(s styles, key, value string) string {
	label := ""
	if key != "" {
		label = key + ":"
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(label), value)
}

func stateLabel(state domain.AuthState, s styles) string {
	switch state {
	case domain.AuthStateAuthenticated:
		return s.good.Render(state.String())
	case domain.AuthStateLoggingIn, domain.AuthStateSoftLogoutRecovering:
		return s.pending.Render(state.String())
	default:
		return s.empty.Render(state.String())
	}
}

func backupLabel(status domain.BackupStatus, s styles) string {
	switch status {
	case domain.BackupStatusSatisfied:
		return s.good.Render("connected")
	case domain.BackupStatusNeeded:
		return s.warning.Render("needs recovery key")
	default:
		return s.empty.Render("unknown")
	}
}

func syncLabel(snapshot application.Snapshot, opts RenderOptions, s styles) string {
	if !snapshot.FirstSynced {
		return s.pending.Render("waiting for first sync")
	}

	label := fmt.Sprintf("%d updates", snapshot.SyncCount)
	if !snapshot.LastSyncAt.IsZero() {
		label += ", last " + formatAgo(snapshot.LastSyncAt, opts.Now)
	}

	return s.good.Render(label)
}

func formatAgo(at, now time.Time) string {
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		minutes := int(math.Floor(elapsed.Minutes()))
		return fmt.Sprintf("%d %s ago", minutes, plural(minutes, "minute"))
	case elapsed < 24*time.Hour:
		hours := int(math.Floor(elapsed.Hours()))
		return fmt.Sprintf("%d %s ago", hours, plural(hours, "hour"))
	default:
		return at.Format("15:04 on 02 Jan")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return unit
	}
	return unit + "s"
}

func yesNo(value bool, s styles) string {
	if value {
		return s.good.Render("yes")
	}
	return s.empty.Render("no")
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
