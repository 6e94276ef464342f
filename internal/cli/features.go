package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"patchpilot/internal/features"
	"patchpilot/internal/manifest"
	"patchpilot/internal/tui"
)

func newFeaturesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Inspect or toggle optional content",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List installed and configured features",
		Args:  cobra.NoArgs,
		RunE:  runFeaturesList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "enable ID...",
		Short: "Enable features",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeaturesSet(cmd, args, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "disable ID...",
		Short: "Disable features",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeaturesSet(cmd, args, false)
		},
	})
	return cmd
}

type featureRow struct {
	features.Status
	Name string `json:"name,omitempty"`
}

func runFeaturesList(cmd *cobra.Command, _ []string) error {
	env, err := loadEnv("features", envOptions{needRoot: true})
	if err != nil {
		return err
	}
	defer env.Close()

	m := catalogManifest(cmd, env)
	pres := env.preserver(m.DLCCatalog)
	statuses, err := pres.Query(env.root)
	if err != nil {
		return err
	}
	rows := make([]featureRow, 0, len(statuses))
	for _, st := range statuses {
		row := featureRow{Status: st}
		if name := m.FeatureName(st.ID); name != st.ID {
			row.Name = name
		}
		rows = append(rows, row)
	}

	if outputJSON {
		return printJSON(cmd, rows)
	}
	out := cmd.OutOrStdout()
	if path, err := pres.ConfigPath(env.root); err == nil {
		fmt.Fprintf(out, "Config: %s\n\n", path)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "(no features)")
		return nil
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tINSTALLED\tENABLED\tNAME")
	for _, r := range rows {
		enabled := "-"
		if r.Known {
			enabled = yesNo(r.Enabled)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, yesNo(r.Installed), enabled, tui.NonEmptyOrDash(r.Name))
	}
	return tw.Flush()
}

func runFeaturesSet(cmd *cobra.Command, ids []string, enabled bool) error {
	env, err := loadEnv("features", envOptions{needRoot: true})
	if err != nil {
		return err
	}
	defer env.Close()

	pres := env.preserver(catalogManifest(cmd, env).DLCCatalog)
	if err := pres.Set(env.root, ids, enabled); err != nil {
		return err
	}
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	env.logger.Printf("features: %s %v", strings.ToLower(verb), ids)
	if outputJSON {
		return printJSON(cmd, map[string]any{"ids": ids, "enabled": enabled})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, strings.Join(ids, ", "))
	return nil
}

// catalogManifest fetches the manifest for its feature catalog. The catalog
// adds names and ids outside the usual pattern, so the features commands
// still work offline without it.
func catalogManifest(cmd *cobra.Command, env *appEnv) manifest.Manifest {
	if strings.TrimSpace(env.cfg.ManifestURL) == "" {
		return manifest.Manifest{}
	}
	m, err := env.fetchManifest(cmd.Context())
	if err != nil {
		env.logger.Printf("features: manifest unavailable: %v", err)
		return manifest.Manifest{}
	}
	return m
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
