package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"patchpilot/internal/paths"
)

var (
	homeDir     string
	configFile  string
	installRoot string
	outputJSON  bool
	verbose     bool
)

// Execute runs the root cobra command. SIGINT cancels the command context so
// in-flight downloads stop and keep their partial files.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "patchpilot",
		Short:         "Incremental updater for installed game builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "State directory (overrides $"+paths.HomeEnv+")")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to patchpilot.yaml")
	cmd.PersistentFlags().StringVar(&installRoot, "root", "", "Installation root (overrides install_root)")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Echo the command log to stderr")

	cmd.AddCommand(newDetectCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newFeaturesCmd())
	cmd.AddCommand(newFingerprintsCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}
