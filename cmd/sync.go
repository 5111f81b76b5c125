package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bnema/lattice/internal/adapters/telemetry"
	"github.com/bnema/lattice/internal/application"
	"github.com/bnema/lattice/internal/domain"
)

var errSessionEnded = errors.New("session ended by the server")

func newSyncCmd(app *app) *cobra.Command {
	var (
		once  bool
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Resume the stored session and follow the sync stream",
		Long:  "sync restores the account's session, waits for the first sync, unlocks the key backup when a recovery key is stored and then prints every session change until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			restored, err := app.coordinator.Restore(ctx)
			if err != nil {
				return loginFailure(err)
			}
			if !restored {
				return fmt.Errorf("account %s: %w", app.cfg.Account, domain.ErrNoSession)
			}

			changes, unsubscribe := app.coordinator.Subscribe()
			defer unsubscribe()

			err = runWithSpinner(ctx, cmd.ErrOrStderr(), "Waiting for the first sync...", app.coordinator.StartSync)
			if err != nil {
				return loginFailure(err)
			}
			defer app.coordinator.StopSync()

			if err := writeSnapshotOutput(cmd, app, app.coordinator.Snapshot(), false); err != nil {
				return err
			}
			if !once {
				err = followChanges(ctx, cmd.OutOrStdout(), changes)
			}

			if stats {
				if statsErr := writeTelemetrySummary(ctx, cmd.ErrOrStderr(), app.telemetry); statsErr != nil {
					app.logger.Warn().Err(statsErr).Msg("collect telemetry summary")
				}
			}

			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "exit after the first sync")
	cmd.Flags().BoolVar(&stats, "stats", false, "print operation counters on exit")

	return cmd
}

// followChanges prints changes until ctx ends or the session is torn down.
func followChanges(ctx context.Context, w io.Writer, changes <-chan application.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(w, formatChange(change)); err != nil {
				return err
			}
			if change.Reason == application.ChangeReset {
				if change.Snapshot.LoginError != "" {
					return fmt.Errorf("%w: %s", errSessionEnded, change.Snapshot.LoginError)
				}
				return errSessionEnded
			}
		}
	}
}

func formatChange(change application.Change) string {
	s := change.Snapshot
	switch change.Reason {
	case application.ChangeSync:
		return fmt.Sprintf("sync\t#%d\tnext_batch=%s", s.SyncCount, s.NextBatch)
	case application.ChangeBackupStatus:
		return fmt.Sprintf("backup\t%s", s.BackupStatus)
	case application.ChangeLoginError:
		return fmt.Sprintf("error\t%s", s.LoginError)
	default:
		return fmt.Sprintf("%s\t%s", change.Reason, s.State)
	}
}

func writeTelemetrySummary(ctx context.Context, w io.Writer, tel *telemetry.Telemetry) error {
	summary, err := tel.Summary(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	for _, key := range telemetry.SummaryKeys(summary) {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", key, summary[key]); err != nil {
			return err
		}
	}

	return nil
}
