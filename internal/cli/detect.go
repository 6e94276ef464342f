package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"patchpilot/internal/fingerprint"
)

func newDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Identify the installed version from probe file hashes",
		Args:  cobra.NoArgs,
		RunE:  runDetect,
	}
}

func runDetect(cmd *cobra.Command, _ []string) error {
	env, err := loadEnv("detect", envOptions{needRoot: true})
	if err != nil {
		return err
	}
	defer env.Close()

	store, _, err := env.store()
	if err != nil {
		return err
	}
	det := fingerprint.Detector{Store: store, Layout: env.layout()}
	res, err := det.Detect(cmd.Context(), env.root)
	if err != nil {
		return err
	}
	env.logger.Printf("detect: %q %s (%d probes, %d candidates)", res.Version, res.Confidence, len(res.Observed), len(res.Candidates))

	if outputJSON {
		return printJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	version := res.Version
	if version == "" {
		version = "(unknown)"
	}
	fmt.Fprintf(out, "Installation: %s\n", env.root)
	fmt.Fprintf(out, "Version:      %s\n", version)
	fmt.Fprintf(out, "Confidence:   %s\n", res.Confidence)
	fmt.Fprintf(out, "Probes:       %d of %d found\n", len(res.Observed), len(store.Probes()))
	if len(res.Candidates) > 0 {
		fmt.Fprintln(out)
		tw := newTable(out)
		fmt.Fprintln(tw, "CANDIDATE\tMATCHED")
		for _, c := range res.Candidates {
			fmt.Fprintf(tw, "%s\t%d\n", c.Version, c.Matched)
		}
		tw.Flush()
	}
	return nil
}
