package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	matrixadapter "github.com/bnema/lattice/internal/adapters/matrix"
	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

func newRegisterCmd(app *app) *cobra.Command {
	var (
		homeserver   string
		user         string
		passwordFile string
		tokenFile    string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on a homeserver and log in to it",
		Long:  "register runs the server's registration flow. Servers asking for m.login.registration_token need --token-file.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if strings.TrimSpace(homeserver) == "" || strings.TrimSpace(user) == "" {
				return fmt.Errorf("%w: --homeserver and --user are required", domain.ErrInvalidArgument)
			}
			password, err := readSecret(passwordFile, "New password: ", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var registrationToken string
			if tokenFile != "" {
				if registrationToken, err = readSecretFile(tokenFile); err != nil {
					return err
				}
			}

			resolved, err := app.client.CheckHomeserver(ctx, homeserver)
			if err != nil {
				return err
			}
			app.client.SetHomeserver(resolved)

			registered, err := app.client.Register(ctx, matrixadapter.RegisterRequest{
				Username:          user,
				Password:          password,
				RegistrationToken: registrationToken,
				DeviceName:        app.cfg.DeviceName,
			})
			if err != nil {
				return loginFailure(err)
			}

			err = runWithSpinner(ctx, cmd.ErrOrStderr(), "Waiting for the first sync...", func(ctx context.Context) error {
				return app.coordinator.CompleteRegistration(ctx, application.RegistrationResult{
					UserID:     registered.UserID,
					DeviceID:   registered.DeviceID,
					Homeserver: registered.Homeserver,
				}, password)
			})
			if err != nil {
				return loginFailure(err)
			}

			return finishLogin(cmd, app)
		},
	}

	cmd.Flags().StringVar(&homeserver, "homeserver", "", "homeserver name or URL")
	cmd.Flags().StringVarP(&user, "user", "u", "", "localpart of the new account")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "file holding the new password, or - to prompt (default: prompt)")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "file holding a registration token")

	return cmd
}
