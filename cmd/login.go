package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	authadapter "github.com/bnema/lattice/internal/adapters/auth"
	"github.com/bnema/lattice/internal/domain"
)

func newLoginCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a Matrix homeserver",
	}

	cmd.AddCommand(newLoginPasswordCmd(app), newLoginSSOCmd(app))

	return cmd
}

func newLoginPasswordCmd(app *app) *cobra.Command {
	var (
		homeserver   string
		user         string
		passwordFile string
	)

	cmd := &cobra.Command{
		Use:   "password",
		Short: "Log in with a username and password",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			server, err := resolveHomeserver(ctx, app, homeserver)
			if err != nil {
				return err
			}
			if strings.TrimSpace(user) == "" {
				return fmt.Errorf("%w: --user is required", domain.ErrInvalidArgument)
			}
			password, err := readSecret(passwordFile, "Password: ", cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			err = runWithSpinner(ctx, cmd.ErrOrStderr(), "Logging in and waiting for the first sync...", func(ctx context.Context) error {
				return app.coordinator.Login(ctx, server, user, password)
			})
			if err != nil {
				return loginFailure(err)
			}

			return finishLogin(cmd, app)
		},
	}

	cmd.Flags().StringVar(&homeserver, "homeserver", "", "homeserver name or URL (defaults to the account's last homeserver)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user localpart or full Matrix ID")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the password, or - to prompt (default: prompt)")

	return cmd
}

func newLoginSSOCmd(app *app) *cobra.Command {
	var (
		homeserver string
		idp        string
	)

	cmd := &cobra.Command{
		Use:   "sso",
		Short: "Log in through the homeserver's single sign-on page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			server, err := resolveHomeserver(ctx, app, homeserver)
			if err != nil {
				return err
			}
			resolved, err := app.client.CheckHomeserver(ctx, server)
			if err != nil {
				return err
			}
			app.client.SetHomeserver(resolved)

			state, err := authadapter.NewState()
			if err != nil {
				return fmt.Errorf("generate sso state: %w", err)
			}
			callback, err := authadapter.StartCallbackServer(app.cfg.SSO.ListenAddr, state)
			if err != nil {
				return fmt.Errorf("start callback server: %w", err)
			}

			redirect, err := app.client.SSORedirectURL(idp, callback.RedirectURL())
			if err != nil {
				_ = callback.Close()
				return fmt.Errorf("build sso url: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to sign in to %s:\n%s\n", resolved, redirect)

			loginToken, err := callback.WaitForLoginToken(ctx, app.cfg.SSO.Timeout)
			if err != nil {
				return fmt.Errorf("wait for sso callback: %w", err)
			}

			err = runWithSpinner(ctx, cmd.ErrOrStderr(), "Completing sign-in and waiting for the first sync...", func(ctx context.Context) error {
				return app.coordinator.CompleteSSOLogin(ctx, resolved, loginToken)
			})
			if err != nil {
				return loginFailure(err)
			}

			return finishLogin(cmd, app)
		},
	}

	cmd.Flags().StringVar(&homeserver, "homeserver", "", "homeserver name or URL (defaults to the account's last homeserver)")
	cmd.Flags().StringVar(&idp, "idp", "", "identity provider id from `lattice probe` (default: let the server choose)")

	return cmd
}

// resolveHomeserver falls back to the homeserver recorded for the account.
func resolveHomeserver(ctx context.Context, app *app, flag string) (string, error) {
	if strings.TrimSpace(flag) != "" {
		return flag, nil
	}

	account, err := app.accounts.Get(ctx, app.cfg.Account)
	if err == nil && account.Homeserver != "" {
		return account.Homeserver, nil
	}

	return "", fmt.Errorf("%w: --homeserver is required for account %s", domain.ErrInvalidArgument, app.cfg.Account)
}

func finishLogin(cmd *cobra.Command, app *app) error {
	session := app.coordinator.Session()
	if err := app.accounts.RecordLogin(cmd.Context(), app.cfg.Account, session); err != nil {
		app.logger.Warn().Err(err).Msg("record login")
	}

	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s on %s (device %s)\n", session.UserID, session.Homeserver, session.DeviceID)
	return err
}

// loginFailure keeps the wrapped error but leads with the message a user can
// act on.
func loginFailure(err error) error {
	return fmt.Errorf("%s: %w", domain.DescribeError(err), err)
}
