package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/lattice/internal/adapters/render/status"
	"github.com/bnema/lattice/internal/application"
)

type snapshotJSON struct {
	Account      string    `json:"account"`
	State        string    `json:"state"`
	UserID       string    `json:"user_id,omitempty"`
	Homeserver   string    `json:"homeserver,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	LoginError   string    `json:"login_error,omitempty"`
	BackupStatus string    `json:"backup_status"`
	FirstSynced  bool      `json:"first_synced"`
	SyncCount    int       `json:"sync_count"`
	NextBatch    string    `json:"next_batch,omitempty"`
	LastSyncAt   time.Time `json:"last_sync_at,omitzero"`
}

func newSnapshotJSON(s application.Snapshot) snapshotJSON {
	return snapshotJSON{
		Account:      string(s.Account),
		State:        s.State.String(),
		UserID:       s.UserID,
		Homeserver:   s.Homeserver,
		DeviceID:     s.DeviceID,
		LoginError:   s.LoginError,
		BackupStatus: s.BackupStatus.String(),
		FirstSynced:  s.FirstSynced,
		SyncCount:    s.SyncCount,
		NextBatch:    s.NextBatch,
		LastSyncAt:   s.LastSyncAt,
	}
}

func newStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session of the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			restored, err := app.coordinator.Restore(ctx)
			if err != nil {
				app.logger.Warn().Err(err).Msg("restore session")
			}
			if restored {
				app.coordinator.RefreshBackupStatus(ctx)
			}

			return writeSnapshotOutput(cmd, app, app.coordinator.Snapshot(), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session snapshot as JSON")

	return cmd
}

func writeSnapshotOutput(cmd *cobra.Command, app *app, snapshot application.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(newSnapshotJSON(snapshot))
	}

	rendered, err := statusadapter.RenderSession(snapshot, statusadapter.RenderOptions{Now: app.now()})
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}
