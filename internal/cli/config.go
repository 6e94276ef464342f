package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"patchpilot/internal/atomicfile"
	"patchpilot/internal/config"
	"patchpilot/internal/paths"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration in YAML",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for problems",
		Args:  cobra.NoArgs,
		RunE:  runConfigValidate,
	})
	return cmd
}

func resolveConfig() (string, config.Config, error) {
	pp, err := paths.Resolve(homeDir)
	if err != nil {
		return "", config.Config{}, err
	}
	path := pp.ConfigFile
	if configFile != "" {
		path = configFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", config.Config{}, err
	}
	if installRoot != "" {
		cfg.InstallRoot = installRoot
	}
	return path, cfg, nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	_, cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	if len(data) == 0 || data[len(data)-1] != '\n' {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path, cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	_, cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	results := cfg.Validate()
	if outputJSON {
		if results == nil {
			results = []config.ValidationResult{}
		}
		if err := printJSON(cmd, results); err != nil {
			return err
		}
	} else if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
	} else {
		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s\n", strings.ToUpper(r.Level), r.Message)
		}
	}
	if config.HasErrors(results) {
		return errors.New("configuration has errors")
	}
	return nil
}
