package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"patchpilot/internal/failure"
	"patchpilot/internal/manifest"
	"patchpilot/internal/patch"
	"patchpilot/internal/planner"
	"patchpilot/internal/tui"
	"patchpilot/internal/updater"
)

var (
	updateTarget     string
	updateNoProgress bool
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download and apply the patches to reach a version",
		Args:  cobra.NoArgs,
		RunE:  runUpdate,
	}
	cmd.Flags().StringVar(&updateTarget, "to", "", "Target version (default: manifest latest)")
	cmd.Flags().BoolVar(&updateNoProgress, "no-progress", false, "Disable interactive progress output")
	return cmd
}

func runUpdate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := loadEnv("update", envOptions{needRoot: true, needManifest: true})
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

	mode := tui.DetectMode(cmd.OutOrStdout(), updateNoProgress, outputJSON)
	env.logger.Printf("update: output mode %s", mode)

	var status *tui.StatusWriter
	if mode == tui.ModeTUI {
		status = tui.NewStatusWriter(cmd.ErrOrStderr())
		status.Updatef("Fetching manifest...")
	}
	m, err := env.fetchManifest(ctx)
	if status != nil {
		status.Stop()
	}
	if err != nil {
		return err
	}

	opts := updater.Options{
		Root:          env.root,
		Target:        updateTarget,
		Layout:        env.layout(),
		Baseline:      base,
		Learned:       learned,
		Manifest:      func(context.Context) (manifest.Manifest, error) { return m, nil },
		FetchDocument: env.fetchDocument,
		Downloader:    env.downloader(),
		Features:      env.preserver(m.DLCCatalog),
		AutoEnable:    env.cfg.AutoEnableNewFeatures(),
		Report:        env.reporter(),
		Paths:         env.paths,
		KeepStaging:   env.cfg.Patching.KeepStaging,
		Logger:        env.logger,
	}

	var (
		res    updater.Result
		runErr error
	)
	switch mode {
	case tui.ModeTUI:
		model := tui.NewProgressModel("patchpilot update", tui.StepColumns)
		runErr = tui.RunWithWork(ctx, cmd.OutOrStdout(), model, func(ctx context.Context, send func(tea.Msg)) error {
			rep := tui.NewUpdateReporter(send)
			opts.OnEvent = rep.Handle
			opts.OnPlan = rep.Plan
			opts.Patcher = env.engine(func(ev patch.Event) {
				send(tui.PhaseMsg{Text: patchPhaseText(ev), Done: ev.Done, Total: ev.Total})
			})
			var err error
			res, err = updater.New(opts).Run(ctx)
			return err
		})
	default:
		printer := &plainPrinter{w: cmd.ErrOrStderr(), quiet: mode == tui.ModeJSON}
		opts.OnEvent = printer.event
		opts.OnPlan = printer.plan
		opts.Patcher = env.engine(printer.patchEvent)
		res, runErr = updater.New(opts).Run(ctx)
	}
	if runErr != nil {
		if failure.Is(runErr, failure.KindCancelled) {
			return fmt.Errorf("update cancelled, partial downloads were kept: %w", runErr)
		}
		return runErr
	}

	if outputJSON {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if res.UpToDate {
		fmt.Fprintf(out, "Installation is up to date (%s).\n", res.From)
	} else {
		fmt.Fprintf(out, "Updated %s -> %s in %d step(s).\n", res.From, res.To, res.Steps)
	}
	for _, id := range res.NewFeatures {
		fmt.Fprintf(out, "Enabled new content: %s\n", m.FeatureName(id))
	}
	printManifestNotices(cmd, m)
	return nil
}

func patchPhaseText(ev patch.Event) string {
	if ev.File != "" {
		return fmt.Sprintf("Patching: %s %s", ev.Phase, ev.File)
	}
	return "Patching: " + ev.Phase
}

// plainPrinter writes one line per state change and per file phase. The
// orchestrator may call it from any goroutine.
type plainPrinter struct {
	w     io.Writer
	quiet bool

	mu    sync.Mutex
	phase string
}

func (p *plainPrinter) printf(format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *plainPrinter) plan(plan planner.Plan) {
	p.printf("plan: %s -> %s, %d step(s), %s", plan.From, plan.To, len(plan.Steps), humanize.Bytes(uint64(plan.TotalSize())))
}

func (p *plainPrinter) event(ev updater.Event) {
	switch {
	case ev.Step == 0:
		p.printf("%s", ev.State)
	case ev.Message != "":
		p.printf("  step %d/%d %s: %s (%s)", ev.Step, ev.Steps, ev.State, ev.Message, humanize.Bytes(uint64(ev.Total)))
	}
}

func (p *plainPrinter) patchEvent(ev patch.Event) {
	p.mu.Lock()
	changed := ev.Phase != p.phase
	p.phase = ev.Phase
	p.mu.Unlock()
	if changed {
		p.printf("    %s", ev.Phase)
	}
}
