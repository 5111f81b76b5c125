package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	account    string
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, app := newRootCmd()
	defer app.close()

	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, *app) {
	opts := &rootOptions{}
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "lattice",
		Short:         "Matrix session and key backup manager",
		Long:          "lattice logs in to Matrix homeservers, keeps the session across runs, watches the sync stream and unlocks the server-side key backup from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.wire(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default $LATTICE_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&opts.account, "account", "a", "", "account name selecting the credential namespace (default \"default\")")

	rootCmd.AddCommand(
		newVersionCmd(),
		newAccountCmd(app),
		newLoginCmd(app),
		newRegisterCmd(app),
		newLogoutCmd(app),
		newProbeCmd(app),
		newStatusCmd(app),
		newSyncCmd(app),
		newBackupCmd(app),
	)

	return rootCmd, app
}
