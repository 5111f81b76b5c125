package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/lattice/internal/adapters/render/status"
)

func newProbeCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe <homeserver>",
		Short: "Show which login and registration methods a homeserver offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capabilities, err := app.coordinator.Probe(cmd.Context(), args[0])
			if err != nil {
				return loginFailure(err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(capabilities)
			}

			rendered, err := statusadapter.RenderCapabilities(args[0], capabilities)
			if err != nil {
				return fmt.Errorf("render capabilities: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print capabilities as JSON")

	return cmd
}
