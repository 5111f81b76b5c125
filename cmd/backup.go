package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/lattice/internal/domain"
)

func newBackupCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and unlock the server-side key backup",
	}

	cmd.AddCommand(
		newBackupStatusCmd(app),
		newBackupUnlockCmd(app),
		newBackupResetCmd(app),
	)

	return cmd
}

// requireSession restores the stored session of the selected account.
func requireSession(ctx context.Context, app *app) error {
	restored, err := app.coordinator.Restore(ctx)
	if err != nil {
		return loginFailure(err)
	}
	if !restored {
		return fmt.Errorf("account %s: %w", app.cfg.Account, domain.ErrNoSession)
	}

	return nil
}

// sessionCallFailure ends the stored session when the server rejected it for
// good, then describes err.
func sessionCallFailure(ctx context.Context, app *app, err error) error {
	if handleErr := app.coordinator.HandleAuthFailure(ctx, err); handleErr != nil {
		app.logger.Warn().Err(handleErr).Msg("tear down rejected session")
	}

	return loginFailure(err)
}

func newBackupStatusCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether this device needs the recovery key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSession(cmd.Context(), app); err != nil {
				return err
			}

			status := app.coordinator.RefreshBackupStatus(cmd.Context())
			message := "Key backup state could not be determined"
			switch status {
			case domain.BackupStatusNeeded:
				message = "Key backup is locked, run `lattice backup unlock` with your recovery key"
			case domain.BackupStatusSatisfied:
				message = "Key backup is connected"
			}

			_, err := fmt.Fprintln(cmd.OutOrStdout(), message)
			return err
		},
	}
}

func newBackupUnlockCmd(app *app) *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the key backup with a recovery key and remember the key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireSession(cmd.Context(), app); err != nil {
				return err
			}
			recoveryKey, err := readSecret(keyFile, "Recovery key: ", cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if err := app.coordinator.UnlockBackup(cmd.Context(), recoveryKey); err != nil {
				return sessionCallFailure(cmd.Context(), app, err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Key backup unlocked")
			return err
		},
	}

	cmd.Flags().StringVar(&keyFile, "recovery-key-file", "", "file holding the recovery key, or - to prompt (default: prompt)")

	return cmd
}

func newBackupResetCmd(app *app) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the server-side key backup",
		Long:  "reset deletes the current key backup version on the server. Messages only recoverable from that backup are lost.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("%w: pass --yes to delete the key backup", domain.ErrIllegalState)
			}
			if err := requireSession(cmd.Context(), app); err != nil {
				return err
			}

			if err := app.coordinator.ResetBackup(cmd.Context()); err != nil {
				return sessionCallFailure(cmd.Context(), app, err)
			}

			_, err := fmt.Fprintln(cmd.OutOrStdout(), "Key backup deleted")
			return err
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the deletion")

	return cmd
}
