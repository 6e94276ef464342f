package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"patchpilot/internal/fingerprint"
)

func newFingerprintsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprints",
		Short: "Manage learned version fingerprints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "learn VERSION",
		Short: "Record the installation's probe hashes as VERSION",
		Args:  cobra.ExactArgs(1),
		RunE:  runFingerprintsLearn,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known versions and where their fingerprint comes from",
		Args:  cobra.NoArgs,
		RunE:  runFingerprintsList,
	})
	return cmd
}

func runFingerprintsLearn(cmd *cobra.Command, args []string) error {
	version := args[0]
	env, err := loadEnv("fingerprints", envOptions{needRoot: true})
	if err != nil {
		return err
	}
	defer env.Close()

	store, learned, err := env.store()
	if err != nil {
		return err
	}
	det := fingerprint.Detector{Store: store, Layout: env.layout()}
	if err := fingerprint.ValidateRoot(env.root, det.Layout); err != nil {
		return err
	}
	observed, err := det.Observe(cmd.Context(), env.root)
	if err != nil {
		return err
	}
	if len(observed) == 0 {
		return fmt.Errorf("no probe files found under %s", env.root)
	}

	changed := learned.Add(version, observed)
	if err := learned.Save(); err != nil {
		return err
	}
	env.logger.Printf("fingerprints: learn %s (%d probes, changed=%t)", version, len(observed), changed)

	if outputJSON {
		return printJSON(cmd, map[string]any{"version": version, "hashes": observed, "changed": changed})
	}
	if changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Learned %s from %d probe files.\n", version, len(observed))
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already known with these hashes.\n", version)
	}
	return nil
}

type fingerprintRow struct {
	Version string `json:"version"`
	Probes  int    `json:"probes"`
	Source  string `json:"source"`
}

func runFingerprintsList(cmd *cobra.Command, _ []string) error {
	env, err := loadEnv("fingerprints", envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	base, err := env.baseline()
	if err != nil {
		return err
	}
	learned, err := env.learned()
	if err != nil {
		return err
	}
	learnedStore := learned.Store()
	merged := fingerprint.Merge(base, learnedStore)

	rows := make([]fingerprintRow, 0, merged.Len())
	for _, v := range merged.VersionNames() {
		fp, _ := merged.Fingerprint(v)
		source := "bundled"
		if _, ok := learnedStore.Fingerprint(v); ok {
			source = "learned"
		}
		rows = append(rows, fingerprintRow{Version: v, Probes: len(fp), Source: source})
	}

	if outputJSON {
		return printJSON(cmd, rows)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "VERSION\tPROBES\tSOURCE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Version, r.Probes, r.Source)
	}
	return tw.Flush()
}
