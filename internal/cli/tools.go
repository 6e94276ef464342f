package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"patchpilot/internal/tools"
	"patchpilot/internal/tui"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show the resolved delta and archive tools",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
}

func runTools(cmd *cobra.Command, _ []string) error {
	env, err := loadEnv("tools", envOptions{})
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	infos := tools.Probe(ctx, toolRunner, env.toolRefs())

	var missing []string
	for _, info := range infos {
		env.logger.Printf("tools: %s available=%t path=%s version=%q", info.Name, info.Available, info.Path, info.Version)
		if !info.Available {
			missing = append(missing, info.Name)
		}
	}

	if outputJSON {
		if err := printJSON(cmd, infos); err != nil {
			return err
		}
	} else {
		printToolTable(cmd, infos)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

func printToolTable(cmd *cobra.Command, infos []tools.ToolInfo) {
	out := cmd.OutOrStdout()
	tw := newTable(out)
	fmt.Fprintln(tw, "TOOL\tOK\tVERSION\tPATH")
	for _, info := range infos {
		path := info.Path
		if path == "" {
			path = "(missing)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, yesNo(info.Available), tui.NonEmptyOrDash(info.Version), path)
	}
	tw.Flush()
	for _, info := range infos {
		if info.Error != "" {
			fmt.Fprintf(out, "%s: %s\n", info.Name, info.Error)
		}
		for _, hint := range info.Hints {
			fmt.Fprintf(out, "  hint: %s\n", hint)
		}
	}
}
