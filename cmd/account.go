package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/lattice/internal/adapters/render/status"
	"github.com/bnema/lattice/internal/domain"
)

func newAccountCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	cmd.AddCommand(
		newAccountListCmd(app),
		newAccountRemoveCmd(app),
	)

	return cmd
}

func newAccountListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := app.accounts.List(cmd.Context())
			if err != nil {
				return err
			}

			rendered, err := statusadapter.RenderAccounts(statuses, app.cfg.Account)
			if err != nil {
				return fmt.Errorf("render accounts: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}
}

func newAccountRemoveCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Forget a logged-out account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := domain.ParseAccountName(args[0])
			if err != nil {
				return err
			}
			if err := app.accounts.Remove(cmd.Context(), name); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", name)
			return err
		},
	}
}
