package updater

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"patchpilot/internal/download"
	"patchpilot/internal/failure"
	"patchpilot/internal/features"
	"patchpilot/internal/fingerprint"
	"patchpilot/internal/manifest"
	"patchpilot/internal/patch"
	"patchpilot/internal/paths"
)

const (
	exeProbe  = "Game/Bin/app.exe"
	dataProbe = "Data/core.pak"
)

var testLayout = fingerprint.Layout{Executable: exeProbe, DataDir: "Data"}

func sum(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// versionFiles is the probe content of each synthetic version.
func versionFiles(version string) map[string]string {
	return map[string]string{
		exeProbe:  "exe " + version,
		dataProbe: "data " + version,
	}
}

func fingerprintOf(version string) map[string]string {
	out := map[string]string{}
	for p, c := range versionFiles(version) {
		out[p] = sum(c)
	}
	return out
}

func writeVersion(t *testing.T, root, version string) {
	t.Helper()
	for rel, content := range versionFiles(version) {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

type fakeDownloader struct {
	dirs []string
}

func (f *fakeDownloader) FetchAll(ctx context.Context, fds []manifest.FileDescriptor, dir string, progress download.ProgressFunc) ([]download.Result, error) {
	f.dirs = append(f.dirs, dir)
	var out []download.Result
	var total int64
	for _, fd := range fds {
		total += fd.Size
	}
	var done int64
	for _, fd := range fds {
		done += fd.Size
		if progress != nil {
			progress(done, total)
		}
		out = append(out, download.Result{Path: filepath.Join(dir, fd.Filename), Verified: true})
	}
	return out, nil
}

// fakePatcher writes the probe files of the step's target version. The
// target is recovered from the primary archive name "<to>.rar".
type fakePatcher struct {
	jobs []patch.Job
	err  error
	noop bool
	// stage, when set, is written under the job's staging directory first.
	stage string
}

func (f *fakePatcher) Run(ctx context.Context, job patch.Job) (patch.Report, error) {
	f.jobs = append(f.jobs, job)
	if f.stage != "" {
		path := filepath.Join(job.Staging, "extract", f.stage)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return patch.Report{}, err
		}
		if err := os.WriteFile(path, []byte("staged"), 0o644); err != nil {
			return patch.Report{}, err
		}
	}
	if f.err != nil {
		return patch.Report{}, f.err
	}
	if !f.noop {
		to := job.Primary[:len(job.Primary)-len(".rar")]
		for rel, content := range versionFiles(to) {
			path := filepath.Join(job.Root, filepath.FromSlash(rel))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return patch.Report{}, err
			}
		}
	}
	return patch.Report{Files: 2, Replaced: 2}, nil
}

type fakeFeatures struct {
	snapshots  int
	reconciled features.Snapshot
	fresh      []string
	snapErr    error
}

func (f *fakeFeatures) Snapshot(root string) (features.Snapshot, error) {
	f.snapshots++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return features.Snapshot{"EP01": false}, nil
}

func (f *fakeFeatures) Reconcile(root string, snap features.Snapshot, autoEnable bool) ([]string, error) {
	f.reconciled = snap
	return f.fresh, nil
}

func edge(from, to string) manifest.PatchEdge {
	return manifest.PatchEdge{
		From:  from,
		To:    to,
		Files: []manifest.FileDescriptor{{URL: "https://cdn.example/" + to + ".rar", Size: 100, Filename: to + ".rar"}},
	}
}

type fixture struct {
	root       string
	paths      paths.AppPaths
	learned    *fingerprint.LearnedCache
	downloader *fakeDownloader
	patcher    *fakePatcher
	features   *fakeFeatures
	manifest   manifest.Manifest
	states     []State
	reports    []string
}

func newFixture(t *testing.T, installed string) *fixture {
	t.Helper()
	home := t.TempDir()
	root := t.TempDir()
	writeVersion(t, root, installed)

	learned, err := fingerprint.LoadLearned(filepath.Join(home, "fingerprints.json"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		root: root,
		paths: paths.AppPaths{
			Home:             home,
			LearnedCacheFile: filepath.Join(home, "fingerprints.json"),
			SettingsFile:     filepath.Join(home, "settings.json"),
			DownloadsDir:     filepath.Join(home, "downloads"),
			StagingDir:       filepath.Join(home, "staging"),
		},
		learned:    learned,
		downloader: &fakeDownloader{},
		patcher:    &fakePatcher{},
		features:   &fakeFeatures{fresh: []string{"EP02"}},
		manifest: manifest.Manifest{
			Latest:    "1.2",
			Patches:   []manifest.PatchEdge{edge("1.0", "1.1"), edge("1.1", "1.2")},
			ReportURL: "https://stats.example/report",
		},
	}
}

func (f *fixture) orchestrator(known ...string) *Orchestrator {
	versions := fingerprint.Versions{}
	for _, v := range known {
		versions[v] = fingerprintOf(v)
	}
	baseline := fingerprint.NewStore([]string{exeProbe, dataProbe}, versions)
	return New(Options{
		Root:       f.root,
		Layout:     testLayout,
		Baseline:   baseline,
		Learned:    f.learned,
		Manifest:   func(context.Context) (manifest.Manifest, error) { return f.manifest, nil },
		Downloader: f.downloader,
		Patcher:    f.patcher,
		Features:   f.features,
		AutoEnable: true,
		Report: func(url, version string, hashes map[string]string) {
			f.reports = append(f.reports, version)
		},
		Paths:   f.paths,
		OnEvent: func(ev Event) {
			if ev.Step == 0 && ev.Message == "" && ev.Total == 0 {
				f.states = append(f.states, ev.State)
			}
		},
	})
}

func TestRunUpdatesAcrossSteps(t *testing.T) {
	f := newFixture(t, "1.0")
	o := f.orchestrator("1.0", "1.1")
	nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	t.Cleanup(func() { nowFunc = time.Now })

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.From != "1.0" || res.To != "1.2" || res.Steps != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if o.State() != StateDone {
		t.Fatalf("state = %s", o.State())
	}

	want := []State{StateDetecting, StateChecking, StateDownloading, StatePatching, StateFinalizing, StateDone}
	if len(f.states) != len(want) {
		t.Fatalf("states = %v, want %v", f.states, want)
	}
	for i := range want {
		if f.states[i] != want[i] {
			t.Fatalf("states = %v, want %v", f.states, want)
		}
	}

	if len(f.downloader.dirs) != 2 || f.downloader.dirs[0] != f.paths.StepDownloads("1.0", "1.1") {
		t.Fatalf("download dirs = %v", f.downloader.dirs)
	}
	if len(f.patcher.jobs) != 2 {
		t.Fatalf("patch jobs = %d", len(f.patcher.jobs))
	}
	job := f.patcher.jobs[0]
	if job.Primary != "1.1.rar" || job.Archives["1.1.rar"] != filepath.Join(f.downloader.dirs[0], "1.1.rar") {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.HashCache != filepath.Join(f.paths.StagingDir, "hashcache.json") {
		t.Fatalf("hash cache = %s", job.HashCache)
	}

	// 1.2 was not in the baseline; it must have been learned and reported.
	fp, ok := f.learned.Store().Fingerprint("1.2")
	if !ok || fp[exeProbe] != sum("exe 1.2") {
		t.Fatalf("1.2 fingerprint not learned: %v", fp)
	}
	if _, err := os.Stat(f.paths.LearnedCacheFile); err != nil {
		t.Fatalf("learned cache not saved: %v", err)
	}
	if len(f.reports) != 1 || f.reports[0] != "1.2" {
		t.Fatalf("reports = %v", f.reports)
	}

	if f.features.snapshots != 1 || f.features.reconciled["EP01"] {
		t.Fatalf("features not preserved: %+v", f.features)
	}
	if len(res.NewFeatures) != 1 || res.NewFeatures[0] != "EP02" {
		t.Fatalf("new features = %v", res.NewFeatures)
	}

	settings, err := LoadSettings(f.paths.SettingsFile)
	if err != nil {
		t.Fatal(err)
	}
	if settings.LastVersion != "1.2" || settings.LastUpdate != 1700000000 {
		t.Fatalf("settings = %+v", settings)
	}
	if _, err := os.Stat(job.Staging); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("step staging should be removed, stat err = %v", err)
	}
}

func TestRunUpToDateShortCircuits(t *testing.T) {
	f := newFixture(t, "1.2")
	o := f.orchestrator("1.2")

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.UpToDate || res.From != "1.2" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.downloader.dirs) != 0 || len(f.patcher.jobs) != 0 {
		t.Fatal("up-to-date run must not download or patch")
	}
	if _, err := os.Stat(f.paths.SettingsFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("settings should not be written for an up-to-date run")
	}
}

func TestRunLearnsVersionFromManifest(t *testing.T) {
	f := newFixture(t, "1.1")
	f.manifest.Fingerprints = map[string]map[string]string{"1.1": fingerprintOf("1.1")}
	o := f.orchestrator()

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.From != "1.1" || res.Steps != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunRefreshesRemoteBundleBestEffort(t *testing.T) {
	f := newFixture(t, "1.1")
	f.manifest.FingerprintsURL = "https://stats.example/fingerprints.json"
	o := f.orchestrator()
	o.opts.FetchDocument = func(ctx context.Context, url string) ([]byte, error) {
		return []byte(`{"1.1": {"Game/Bin/app.exe": "` + sum("exe 1.1") + `"}}`), nil
	}

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.From != "1.1" {
		t.Fatalf("from = %q", res.From)
	}

	f2 := newFixture(t, "1.0")
	f2.manifest.FingerprintsURL = "https://stats.example/fingerprints.json"
	o2 := f2.orchestrator("1.0", "1.1")
	o2.opts.FetchDocument = func(ctx context.Context, url string) ([]byte, error) {
		return nil, failure.Newf(failure.KindTransfer, "fetch", "connection refused")
	}
	if _, err := o2.Run(context.Background()); err != nil {
		t.Fatalf("refresh failure must not fail the run: %v", err)
	}
}

func TestRunUnknownVersion(t *testing.T) {
	f := newFixture(t, "0.9")
	o := f.orchestrator("1.0")

	_, err := o.Run(context.Background())
	if !failure.Is(err, failure.KindUnknownVersion) {
		t.Fatalf("expected unknown-version, got %v", err)
	}
	if o.State() != StateError {
		t.Fatalf("state = %s", o.State())
	}
}

func TestRunPropagatesPatchErrorUnchanged(t *testing.T) {
	f := newFixture(t, "1.0")
	boom := failure.Newf(failure.KindRequiredFileMissing, "classify", "Data/core.pak has no source")
	f.patcher.err = boom
	o := f.orchestrator("1.0", "1.1")

	_, err := o.Run(context.Background())
	if err != error(boom) {
		t.Fatalf("expected the patch error unchanged, got %v", err)
	}
	if o.State() != StateError {
		t.Fatalf("state = %s", o.State())
	}
	if _, err := os.Stat(f.paths.SettingsFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("settings must not be written after a failure")
	}

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected Run to refuse without Reset")
	}
	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	f.patcher.err = nil
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run after Reset: %v", err)
	}
}

func TestRunReusesStagingAfterFailure(t *testing.T) {
	f := newFixture(t, "1.1")
	f.patcher.stage = "big.bin"
	f.patcher.err = failure.Newf(failure.KindExternalTool, "apply delta", "xdelta3 exited 1")
	o := f.orchestrator("1.1")

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected the first run to fail")
	}
	staged := filepath.Join(f.patcher.jobs[0].Staging, "extract", "big.bin")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged output should survive a failed run: %v", err)
	}
	cache := filepath.Join(f.paths.StagingDir, "hashcache.json")
	if err := os.WriteFile(cache, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := o.Reset(); err != nil {
		t.Fatal(err)
	}
	f.patcher.err = nil
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(f.patcher.jobs) != 2 || f.patcher.jobs[1].Staging != f.patcher.jobs[0].Staging {
		t.Fatalf("restarted step should reuse %s, jobs = %+v", f.patcher.jobs[0].Staging, f.patcher.jobs)
	}
	entries, err := os.ReadDir(f.paths.StagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "hashcache.json" {
		t.Fatalf("staging should hold only the hash cache, got %v", entries)
	}
}

func TestRunRefusesConcurrentStart(t *testing.T) {
	f := newFixture(t, "1.2")
	o := f.orchestrator("1.2")
	release := make(chan struct{})
	o.opts.Manifest = func(ctx context.Context) (manifest.Manifest, error) {
		<-release
		return f.manifest, nil
	}
	o.opts.OnEvent = nil

	const callers = 8
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			_, err := o.Run(context.Background())
			errs <- err
		}()
	}
	close(start)

	// Every loser returns at once; the winner waits on the manifest.
	for i := 0; i < callers-1; i++ {
		if err := <-errs; err == nil {
			t.Fatal("a second concurrent run was allowed to start")
		}
	}
	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("winning run: %v", err)
	}
}

func TestRunConfirmationFailure(t *testing.T) {
	f := newFixture(t, "1.0")
	f.manifest.Latest = "1.1"
	f.manifest.Patches = f.manifest.Patches[:1]
	f.patcher.noop = true
	o := f.orchestrator("1.0")

	_, err := o.Run(context.Background())
	if !failure.Is(err, failure.KindUnknownVersion) {
		t.Fatalf("expected confirmation failure, got %v", err)
	}
	if _, ok := f.learned.Store().Fingerprint("1.1"); ok {
		t.Fatal("unchanged installation must not be learned as the target")
	}
	if _, err := os.Stat(f.paths.SettingsFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("settings must not be written when confirmation fails")
	}
}

func TestRunCancelledBeforePatching(t *testing.T) {
	f := newFixture(t, "1.0")
	o := f.orchestrator("1.0", "1.1")
	ctx, cancel := context.WithCancel(context.Background())
	o.opts.OnEvent = func(ev Event) {
		if ev.State == StatePatching && ev.Step == 0 {
			cancel()
		}
	}

	_, err := o.Run(ctx)
	if !failure.Is(err, failure.KindCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(f.patcher.jobs) != 0 {
		t.Fatal("no step should run after cancellation")
	}
}

func TestRunWithoutFeatureConfig(t *testing.T) {
	f := newFixture(t, "1.1")
	f.features.snapErr = failure.Newf(failure.KindNoLocalConfigFormat, "detect format", "none")
	o := f.orchestrator("1.1")

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.features.reconciled != nil || len(res.NewFeatures) != 0 {
		t.Fatal("reconcile must be skipped without a feature config")
	}
}
