// Package updater drives one update run end to end: detect the installed
// version, consult the manifest, plan, download, patch every step, then
// learn the resulting fingerprint, restore feature state and confirm.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"patchpilot/internal/atomicfile"
	"patchpilot/internal/download"
	"patchpilot/internal/failure"
	"patchpilot/internal/features"
	"patchpilot/internal/fingerprint"
	"patchpilot/internal/manifest"
	"patchpilot/internal/patch"
	"patchpilot/internal/paths"
	"patchpilot/internal/planner"
)

const hashCacheName = "hashcache.json"

// State is a stage of the run state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StatePatching    State = "patching"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateError       State = "error"
)

// Event is a progress notification. Step is 1-based and zero outside of
// per-step stages. Done and Total are bytes when known.
type Event struct {
	State   State
	Step    int
	Steps   int
	Message string
	File    string
	Done    int64
	Total   int64
}

// Downloader fetches the archives of one plan step.
type Downloader interface {
	FetchAll(ctx context.Context, fds []manifest.FileDescriptor, dir string, progress download.ProgressFunc) ([]download.Result, error)
}

// Patcher reconciles the installation for one plan step.
type Patcher interface {
	Run(ctx context.Context, job patch.Job) (patch.Report, error)
}

// FeatureKeeper preserves local feature state across patching.
type FeatureKeeper interface {
	Snapshot(root string) (features.Snapshot, error)
	Reconcile(root string, snap features.Snapshot, autoEnable bool) ([]string, error)
}

// ReportFunc sends a learned fingerprint to url. It must not block.
type ReportFunc func(url, version string, hashes map[string]string)

// Logger is the minimal logging surface used by the orchestrator.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Settings is the state persisted after a confirmed update.
type Settings struct {
	LastVersion string `json:"last_version"`
	LastUpdate  int64  `json:"last_update"`
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Root string
	// Target pins the destination version; the manifest's latest when empty.
	Target   string
	Layout   fingerprint.Layout
	Baseline fingerprint.Store
	Learned  *fingerprint.LearnedCache

	// Manifest loads the manifest document.
	Manifest func(ctx context.Context) (manifest.Manifest, error)
	// FetchDocument retrieves auxiliary documents such as the remote
	// fingerprint bundle. Optional.
	FetchDocument func(ctx context.Context, url string) ([]byte, error)

	Downloader Downloader
	Patcher    Patcher
	// Features is optional; without it feature state is not preserved.
	Features   FeatureKeeper
	AutoEnable bool
	Report     ReportFunc

	Paths       paths.AppPaths
	KeepStaging bool
	Logger      Logger
	OnEvent     func(Event)
	// OnPlan receives the plan before any download starts.
	OnPlan func(planner.Plan)
}

// Result describes a finished run.
type Result struct {
	RunID        string                      `json:"run_id"`
	From         string                      `json:"from"`
	To           string                      `json:"to"`
	UpToDate     bool                        `json:"up_to_date"`
	PatchPending bool                        `json:"patch_pending"`
	Plan         planner.Plan                `json:"-"`
	Steps        int                         `json:"steps"`
	NewFeatures  []string                    `json:"new_features,omitempty"`
	Detection    fingerprint.DetectionResult `json:"detection"`
}

// RefreshTimeout bounds the best-effort remote fingerprint refresh.
var RefreshTimeout = 10 * time.Second

var nowFunc = time.Now

// Orchestrator runs the update state machine. A run moves forward through
// the states once; Reset is required before another Run.
type Orchestrator struct {
	opts Options

	mu    sync.Mutex
	state State
}

// New returns an idle orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Orchestrator{opts: opts, state: StateIdle}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reset returns a finished orchestrator to Idle.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateIdle, StateDone, StateError:
		o.state = StateIdle
		return nil
	default:
		return fmt.Errorf("cannot reset while %s", o.state)
	}
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	o.state = to
	o.mu.Unlock()
	o.emit(Event{State: to})
}

func (o *Orchestrator) emit(ev Event) {
	if o.opts.OnEvent != nil {
		o.opts.OnEvent(ev)
	}
}

// Run executes one update. Any error moves the orchestrator to Error and is
// returned unchanged.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		st := o.state
		o.mu.Unlock()
		return Result{}, fmt.Errorf("orchestrator is %s, reset before running again", st)
	}
	o.state = StateDetecting
	o.mu.Unlock()
	o.emit(Event{State: StateDetecting})

	r := &run{Orchestrator: o, id: uuid.NewString()}
	res, err := r.execute(ctx)
	if err != nil {
		o.opts.Logger.Printf("update %s failed: %v", r.id, err)
		o.transition(StateError)
		return res, err
	}
	o.transition(StateDone)
	return res, nil
}

type run struct {
	*Orchestrator
	id       string
	store    fingerprint.Store
	manifest manifest.Manifest
	result   Result
}

func (r *run) detector() fingerprint.Detector {
	return fingerprint.Detector{Store: r.store, Layout: r.opts.Layout}
}

func (r *run) refreshStore() {
	if r.opts.Learned == nil {
		r.store = r.opts.Baseline
		return
	}
	r.store = fingerprint.Merge(r.opts.Baseline, r.opts.Learned.Store())
}

func (r *run) execute(ctx context.Context) (Result, error) {
	r.result.RunID = r.id
	log := r.opts.Logger
	log.Printf("update %s: root %s", r.id, r.opts.Root)

	r.refreshStore()
	det, err := r.detector().Detect(ctx, r.opts.Root)
	if err != nil {
		return r.result, err
	}
	log.Printf("detected %q (%s, %d candidates)", det.Version, det.Confidence, len(det.Candidates))

	r.transition(StateChecking)
	m, err := r.opts.Manifest(ctx)
	if err != nil {
		return r.result, err
	}
	r.manifest = m
	r.result.PatchPending = m.PatchPending()
	r.learnRemote(ctx)

	if !det.Known() {
		// Manifest fingerprints may have taught us the installed version.
		r.refreshStore()
		det = fingerprint.Match(r.store, det.Observed)
	}
	r.result.Detection = det
	if !det.Known() {
		return r.result, failure.Newf(failure.KindUnknownVersion, "detect",
			"installed version not recognised (%d probes observed)", len(det.Observed))
	}
	r.result.From = det.Version

	target := r.opts.Target
	if target == "" {
		target = m.Latest
	}
	r.result.To = target
	if target == det.Version {
		log.Printf("already at %s", target)
		r.result.UpToDate = true
		return r.result, nil
	}

	plan, err := planner.Build(m, det.Version, target)
	if err != nil {
		return r.result, err
	}
	r.result.Plan = plan
	r.result.Steps = len(plan.Steps)
	log.Printf("plan %s -> %s: %d steps, %d bytes", plan.From, plan.To, len(plan.Steps), plan.TotalSize())
	if r.opts.OnPlan != nil {
		r.opts.OnPlan(plan)
	}

	r.transition(StateDownloading)
	downloaded, err := r.download(ctx, plan)
	if err != nil {
		return r.result, err
	}

	r.transition(StatePatching)
	snap, haveSnap := r.snapshotFeatures()
	if err := r.patch(ctx, plan, downloaded); err != nil {
		return r.result, err
	}

	r.transition(StateFinalizing)
	if err := r.finalize(ctx, target, snap, haveSnap); err != nil {
		return r.result, err
	}
	return r.result, nil
}

// learnRemote folds manifest fingerprints, and the optional remote bundle,
// into the learned cache. Only the manifest part can fail the run.
func (r *run) learnRemote(ctx context.Context) {
	if r.opts.Learned == nil {
		return
	}
	if len(r.manifest.Fingerprints) > 0 && r.opts.Learned.Merge(r.manifest.Fingerprints) {
		r.opts.Logger.Printf("merged %d manifest fingerprints", len(r.manifest.Fingerprints))
	}
	if r.manifest.FingerprintsURL != "" && r.opts.FetchDocument != nil {
		if err := r.refreshBundle(ctx, r.manifest.FingerprintsURL); err != nil {
			r.opts.Logger.Printf("fingerprint refresh skipped: %v", err)
		}
	}
	if r.opts.Learned.Dirty() {
		if err := r.opts.Learned.Save(); err != nil {
			r.opts.Logger.Printf("save learned fingerprints: %v", err)
		}
	}
}

func (r *run) refreshBundle(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()
	data, err := r.opts.FetchDocument(ctx, url)
	if err != nil {
		return err
	}
	var bundle fingerprint.Versions
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("decode fingerprint bundle: %w", err)
	}
	if r.opts.Learned.Merge(bundle) {
		r.opts.Logger.Printf("merged %d remote fingerprints", len(bundle))
	}
	return nil
}

func (r *run) download(ctx context.Context, plan planner.Plan) ([][]download.Result, error) {
	out := make([][]download.Result, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		fds := step.Edge.Descriptors()
		dir := r.opts.Paths.StepDownloads(step.Edge.From, step.Edge.To)
		stepNo, steps := step.Position, step.Total
		r.emit(Event{State: StateDownloading, Step: stepNo, Steps: steps,
			Message: fmt.Sprintf("%s -> %s", step.Edge.From, step.Edge.To), Total: step.Edge.TotalSize()})
		results, err := r.opts.Downloader.FetchAll(ctx, fds, dir, func(done, total int64) {
			r.emit(Event{State: StateDownloading, Step: stepNo, Steps: steps, Done: done, Total: total})
		})
		if err != nil {
			return nil, err
		}
		r.opts.Logger.Printf("step %d/%d downloaded %d files", stepNo, steps, len(results))
		out = append(out, results)
	}
	return out, nil
}

func (r *run) snapshotFeatures() (features.Snapshot, bool) {
	if r.opts.Features == nil {
		return nil, false
	}
	snap, err := r.opts.Features.Snapshot(r.opts.Root)
	if err != nil {
		// Installations without a feature config simply have nothing to keep.
		r.opts.Logger.Printf("feature snapshot skipped: %v", err)
		return nil, false
	}
	return snap, true
}

func (r *run) patch(ctx context.Context, plan planner.Plan, downloaded [][]download.Result) error {
	for i, step := range plan.Steps {
		if err := failure.FromContext(ctx, "patch"); err != nil {
			return err
		}
		results := downloaded[i]
		job := patch.Job{
			Root:      r.opts.Root,
			Staging:   r.opts.Paths.StepStaging(step.Edge.From, step.Edge.To),
			Archives:  make(map[string]string, len(results)),
			HashCache: filepath.Join(r.opts.Paths.StagingDir, hashCacheName),
		}
		for j, fd := range step.Edge.Files {
			job.Archives[fd.Filename] = results[j].Path
		}
		if len(step.Edge.Files) > 0 {
			job.Primary = step.Edge.Files[0].Filename
		}
		if step.Edge.Crack != nil {
			job.Side = &patch.SideArchive{
				Path:     results[len(step.Edge.Files)].Path,
				Password: step.Edge.Crack.Pass,
			}
		}
		r.emit(Event{State: StatePatching, Step: step.Position, Steps: step.Total,
			Message: fmt.Sprintf("%s -> %s", step.Edge.From, step.Edge.To)})
		rep, err := r.opts.Patcher.Run(ctx, job)
		if err != nil {
			return err
		}
		r.opts.Logger.Printf("step %d/%d patched: %d files, %d replaced, %d via delta, %d removed",
			step.Position, step.Total, rep.Files, rep.Replaced, rep.Patched, rep.Removed)
	}
	return nil
}

func (r *run) finalize(ctx context.Context, target string, snap features.Snapshot, haveSnap bool) error {
	log := r.opts.Logger

	observed, err := r.detector().Observe(ctx, r.opts.Root)
	if err != nil {
		return err
	}
	// An installation that still matches another version exactly was not
	// patched; learning it as the target would hide the failure below.
	if prior := fingerprint.Match(r.store, observed); prior.Confidence == fingerprint.Definitive && prior.Version != target {
		log.Printf("not learning %s: installation still matches %s", target, prior.Version)
	} else if r.opts.Learned != nil && r.opts.Learned.Add(target, observed) {
		if err := r.opts.Learned.Save(); err != nil {
			return err
		}
		log.Printf("learned fingerprint for %s (%d probes)", target, len(observed))
		if r.opts.Report != nil && r.manifest.ReportURL != "" {
			r.opts.Report(r.manifest.ReportURL, target, observed)
		}
	}

	if haveSnap {
		fresh, err := r.opts.Features.Reconcile(r.opts.Root, snap, r.opts.AutoEnable)
		if err != nil {
			return err
		}
		r.result.NewFeatures = fresh
	}

	r.refreshStore()
	det, err := r.detector().Detect(ctx, r.opts.Root)
	if err != nil {
		return err
	}
	r.result.Detection = det
	if det.Version != target {
		return failure.Newf(failure.KindUnknownVersion, "confirm update",
			"expected %s after patching, detected %q (%s)", target, det.Version, det.Confidence)
	}

	settings := Settings{LastVersion: target, LastUpdate: nowFunc().Unix()}
	if err := atomicfile.WriteJSON(r.opts.Paths.SettingsFile, settings); err != nil {
		return err
	}

	if !r.opts.KeepStaging {
		r.clearStaging()
	}
	log.Printf("update %s complete: %s -> %s", r.id, r.result.From, target)
	return nil
}

// clearStaging removes every staged step, including those left behind by
// earlier failed runs. The hash cache is kept.
func (r *run) clearStaging() {
	dir := r.opts.Paths.StagingDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.opts.Logger.Printf("read staging: %v", err)
		}
		return
	}
	for _, e := range entries {
		if e.Name() == hashCacheName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			r.opts.Logger.Printf("remove staging: %v", err)
		}
	}
}

// LoadSettings reads settings.json; a missing file yields zero Settings.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
