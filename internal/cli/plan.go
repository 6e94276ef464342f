package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"patchpilot/internal/failure"
	"patchpilot/internal/fingerprint"
	"patchpilot/internal/manifest"
	"patchpilot/internal/planner"
	"patchpilot/internal/tui"
)

var planTarget string

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the patch steps needed to reach a version",
		Args:  cobra.NoArgs,
		RunE:  runPlan,
	}
	cmd.Flags().StringVar(&planTarget, "to", "", "Target version (default: manifest latest)")
	return cmd
}

type planOutput struct {
	From         string       `json:"from"`
	To           string       `json:"to"`
	UpToDate     bool         `json:"up_to_date"`
	PatchPending bool         `json:"patch_pending"`
	GameLatest   string       `json:"game_latest,omitempty"`
	TotalSize    int64        `json:"total_size"`
	Steps        []planStep   `json:"steps"`
	NewContent   []newContent `json:"new_content,omitempty"`
}

// newContent is a feature the latest release introduced.
type newContent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DownloadSize int64  `json:"download_size,omitempty"`
}

func newContentOf(m manifest.Manifest) []newContent {
	var out []newContent
	for _, id := range m.NewDLCs {
		c := newContent{ID: id, Name: m.FeatureName(id)}
		if fd, ok := m.DLCDownloads[id]; ok {
			c.DownloadSize = fd.Size
		}
		out = append(out, c)
	}
	return out
}

type planStep struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Files int    `json:"files"`
	Side  bool   `json:"side_archive"`
	Size  int64  `json:"size"`
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	env, err := loadEnv("plan", envOptions{needRoot: true, needManifest: true})
	if err != nil {
		return err
	}
	defer env.Close()

	var status *tui.StatusWriter
	if !outputJSON {
		status = tui.NewStatusWriter(cmd.ErrOrStderr())
		defer status.Stop()
		status.Updatef("Fetching manifest...")
	}
	m, err := env.fetchManifest(ctx)
	if err != nil {
		return err
	}
	if status != nil {
		status.Updatef("Detecting installed version...")
	}
	det, err := detectWithManifest(ctx, env, m)
	if err != nil {
		return err
	}
	target := planTarget
	if target == "" {
		target = m.Latest
	}
	plan, err := planner.Build(m, det.Version, target)
	if err != nil {
		return err
	}
	if status != nil {
		status.Stop()
	}

	res := planOutput{
		From:         plan.From,
		To:           plan.To,
		UpToDate:     plan.IsUpToDate(),
		PatchPending: m.PatchPending(),
		GameLatest:   m.GameLatest,
		TotalSize:    plan.TotalSize(),
		Steps:        []planStep{},
		NewContent:   newContentOf(m),
	}
	for _, s := range plan.Steps {
		res.Steps = append(res.Steps, planStep{
			From:  s.Edge.From,
			To:    s.Edge.To,
			Files: len(s.Edge.Files),
			Side:  s.Edge.Crack != nil,
			Size:  s.Edge.TotalSize(),
		})
	}
	env.logger.Printf("plan: %s -> %s, %d steps, %d bytes", res.From, res.To, len(res.Steps), res.TotalSize)

	if outputJSON {
		return printJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	if res.UpToDate {
		fmt.Fprintf(out, "Installation is up to date (%s).\n", res.From)
	} else {
		tw := newTable(out)
		fmt.Fprintln(tw, "STEP\tFROM\tTO\tFILES\tSIZE")
		for i, s := range res.Steps {
			files := fmt.Sprint(s.Files)
			if s.Side {
				files += "+1"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, s.From, s.To, files, humanize.Bytes(uint64(s.Size)))
		}
		tw.Flush()
		fmt.Fprintf(out, "\n%d step(s), %s to download\n", len(res.Steps), humanize.Bytes(uint64(res.TotalSize)))
	}
	printManifestNotices(cmd, m)
	return nil
}

// detectWithManifest detects the installed version, folding the manifest's
// fingerprints into the learned cache when the local stores cannot tell.
func detectWithManifest(ctx context.Context, env *appEnv, m manifest.Manifest) (fingerprint.DetectionResult, error) {
	store, learned, err := env.store()
	if err != nil {
		return fingerprint.DetectionResult{}, err
	}
	det, err := fingerprint.Detector{Store: store, Layout: env.layout()}.Detect(ctx, env.root)
	if err != nil {
		return fingerprint.DetectionResult{}, err
	}
	if !det.Known() && len(m.Fingerprints) > 0 {
		if learned.Merge(m.Fingerprints) {
			if err := learned.Save(); err != nil {
				env.logger.Printf("save learned fingerprints: %v", err)
			}
		}
		base, err := env.baseline()
		if err != nil {
			return fingerprint.DetectionResult{}, err
		}
		det = fingerprint.Match(fingerprint.Merge(base, learned.Store()), det.Observed)
	}
	if !det.Known() {
		return det, failure.Newf(failure.KindUnknownVersion, "detect",
			"installed version not recognised (%d probes observed)", len(det.Observed))
	}
	return det, nil
}

// printManifestNotices reports a release without a patch yet and any new
// content the latest release brought.
func printManifestNotices(cmd *cobra.Command, m manifest.Manifest) {
	out := cmd.OutOrStdout()
	if m.PatchPending() {
		date := ""
		if m.GameLatestDate != "" {
			date = " (released " + m.GameLatestDate + ")"
		}
		fmt.Fprintf(out, "Note: version %s%s is out but no patch to it is available yet.\n", m.GameLatest, date)
	}
	for _, c := range newContentOf(m) {
		if c.DownloadSize > 0 {
			fmt.Fprintf(out, "New content: %s (%s download)\n", c.Name, humanize.Bytes(uint64(c.DownloadSize)))
			continue
		}
		fmt.Fprintf(out, "New content: %s\n", c.Name)
	}
}
