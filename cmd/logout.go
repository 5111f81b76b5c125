package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogoutCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the account's session and erase its stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			restored, err := app.coordinator.Restore(ctx)
			if err != nil {
				return err
			}
			if !restored {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Account %s is not logged in\n", app.cfg.Account)
				return err
			}

			userID := app.coordinator.Session().UserID
			if err := app.coordinator.Logout(ctx); err != nil {
				return fmt.Errorf("logout: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", userID)
			return err
		},
	}
}
