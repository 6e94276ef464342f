// Package patch reconciles an installation against the target state of one
// patch step: it decides per file whether the content is already correct,
// reachable through one or more deltas, or must be extracted in full, and
// then performs extraction, delta application and file replacement.
package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"patchpilot/internal/failure"
)

// Phases reported through Event.
const (
	PhaseParse    = "parse"
	PhaseDiscover = "discover"
	PhaseClassify = "classify"
	PhaseSelect   = "select"
	PhaseCleanup  = "cleanup"
	PhaseExtract  = "extract"
	PhaseApply    = "apply"
	PhaseSide     = "side-archive"
	PhaseMove     = "move"
)

// Event is a progress notification. Done and Total are bytes when known.
type Event struct {
	Phase string
	File  string
	Done  int64
	Total int64
}

// Extractor unpacks archive members.
type Extractor interface {
	Extract(ctx context.Context, archive, outDir string, members []string, password string) error
}

// DeltaApplier applies and merges binary deltas.
type DeltaApplier interface {
	Apply(ctx context.Context, source, delta, output string, onBytes func(int64)) error
	Merge(ctx context.Context, deltas []string, output string) error
}

// Logger is the minimal logging surface used by the engine.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Config is the per-installation reconciliation policy.
type Config struct {
	// SearchDirs are extra roots scanned for usable copies of target files.
	// Copies found there are duplicated, never moved.
	SearchDirs []string
	// ApplySideArchive extracts the step's side archive over the result.
	ApplySideArchive bool
	// SideArchiveFailureFatal aborts the run when the side archive fails.
	SideArchiveFailureFatal bool
	// SidePassword is used when the manifest gives a side archive no password.
	SidePassword string
}

// SideArchive is a downloaded side archive and its password.
type SideArchive struct {
	Path     string
	Password string
}

// Job is one patch step to reconcile.
type Job struct {
	Root    string
	Staging string
	// Archives maps archive file names to their downloaded paths.
	Archives map[string]string
	// Primary names the archive that carries the metadata document.
	Primary string
	Side    *SideArchive
	// HashCache is the hash cache file; <Staging>/hashcache.json when empty.
	HashCache string
}

// Report summarises a completed run.
type Report struct {
	Files     int
	AtTarget  int
	Replaced  int
	Patched   int
	Removed   int
	SideFiles int
}

// Engine runs the reconciliation pipeline. Tools and the free-space probe
// are supplied by the caller.
type Engine struct {
	Config    Config
	Extractor Extractor
	Delta     DeltaApplier
	FreeSpace FreeSpaceFunc
	Logger    Logger
	Progress  func(Event)
}

// New returns an Engine using the platform free-space probe.
func New(cfg Config, extractor Extractor, delta DeltaApplier) *Engine {
	return &Engine{Config: cfg, Extractor: extractor, Delta: delta, FreeSpace: diskFree}
}

type location int

const (
	locLive location = iota
	locFinal
	locExtract
	locSearch
)

type candidate struct {
	path string
	loc  location
	size int64
	hash string
}

type actionKind int

const (
	actMove actionKind = iota
	actFull
	actDelta
)

type action struct {
	rel   string
	kind  actionKind
	from  candidate
	chain []DeltaInfo
	full  FullEntry
	cost  int64
}

type run struct {
	e   *Engine
	job Job
	log Logger

	md         Metadata
	hashes     *HashCache
	extractDir string
	finalDir   string
	sideDir    string
	metaDir    string
	mergeDir   string

	candidates map[string][]candidate
	atTarget   map[string][]candidate
	sources    map[string][]candidate
	superseded []candidate
	actions    []action
	sideOK     bool
	report     Report
}

// Run reconciles job.Root against the step's target state.
func (e *Engine) Run(ctx context.Context, job Job) (Report, error) {
	r := &run{
		e:          e,
		job:        job,
		log:        e.Logger,
		extractDir: filepath.Join(job.Staging, "extract"),
		finalDir:   filepath.Join(job.Staging, "final"),
		sideDir:    filepath.Join(job.Staging, "side"),
		metaDir:    filepath.Join(job.Staging, "meta"),
		mergeDir:   filepath.Join(job.Staging, "merge"),
		candidates: map[string][]candidate{},
		atTarget:   map[string][]candidate{},
		sources:    map[string][]candidate{},
	}
	if r.log == nil {
		r.log = noopLogger{}
	}
	cachePath := job.HashCache
	if cachePath == "" {
		cachePath = filepath.Join(job.Staging, "hashcache.json")
	}
	r.hashes = LoadHashCache(cachePath)
	defer func() {
		if err := r.hashes.Save(); err != nil {
			r.log.Printf("patch: %v", err)
		}
	}()

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{PhaseParse, r.parse},
		{PhaseDiscover, r.discover},
		{PhaseClassify, r.classify},
		{PhaseSelect, r.selectActions},
		{PhaseCleanup, r.cleanup},
		{PhaseExtract, r.extract},
		{PhaseApply, r.apply},
		{PhaseSide, r.applySide},
		{PhaseMove, r.move},
	}
	for _, phase := range phases {
		if err := failure.FromContext(ctx, "patch "+phase.name); err != nil {
			return r.report, err
		}
		r.log.Printf("patch: %s: start", phase.name)
		r.emit(Event{Phase: phase.name})
		if err := phase.fn(ctx); err != nil {
			r.log.Printf("patch: %s: failed: %v", phase.name, err)
			return r.report, err
		}
	}
	r.log.Printf("patch: done: %d files, %d at target, %d replaced, %d patched, %d removed, %d side files",
		r.report.Files, r.report.AtTarget, r.report.Replaced, r.report.Patched, r.report.Removed, r.report.SideFiles)
	return r.report, nil
}

func (r *run) emit(ev Event) {
	if r.e.Progress != nil {
		r.e.Progress(ev)
	}
}

func (r *run) archivePath(name string) (string, error) {
	p, ok := r.job.Archives[name]
	if !ok || p == "" {
		return "", failure.Newf(failure.KindRequiredFileMissing, "patch", "archive %s was not downloaded", name)
	}
	return p, nil
}

func (r *run) parse(ctx context.Context) error {
	archive, err := r.archivePath(r.job.Primary)
	if err != nil {
		return err
	}
	metaPath := filepath.Join(r.metaDir, MetadataName)
	if _, err := os.Stat(metaPath); err != nil {
		if err := os.MkdirAll(r.metaDir, 0o755); err != nil {
			return fmt.Errorf("create staging: %w", err)
		}
		if err := r.e.Extractor.Extract(ctx, archive, r.metaDir, []string{MetadataName}, ""); err != nil {
			return err
		}
	}
	md, err := LoadMetadata(metaPath)
	if err != nil {
		return err
	}
	r.md = md
	r.report.Files = len(md.Files)
	r.log.Printf("patch: parse: %s -> %s, %d files, %d deltas, %d full copies, %d deletions",
		md.From, md.To, len(md.Files), len(md.Deltas), len(md.Full), len(md.Deleted))
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *run) discover(ctx context.Context) error {
	for _, rel := range sortedKeys(r.md.Files) {
		if err := failure.FromContext(ctx, "patch discover"); err != nil {
			return err
		}
		tf := r.md.Files[rel]
		sizes := map[int64]bool{tf.Size: true}
		for _, d := range r.md.deltasFor(rel) {
			sizes[d.FromSize] = true
			sizes[d.ToSize] = true
		}

		native := filepath.FromSlash(rel)
		places := []candidate{
			{path: filepath.Join(r.job.Root, native), loc: locLive},
			{path: filepath.Join(r.finalDir, native), loc: locFinal},
		}
		if full, ok := r.md.Full[rel]; ok {
			places = append(places, candidate{path: filepath.Join(r.extractDir, filepath.FromSlash(full.Member)), loc: locExtract})
		}
		for _, dir := range r.e.Config.SearchDirs {
			places = append(places, candidate{path: filepath.Join(dir, native), loc: locSearch})
		}

		for _, c := range places {
			info, err := os.Stat(c.path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !sizes[info.Size()] {
				if c.loc == locFinal || c.loc == locExtract {
					r.superseded = append(r.superseded, c)
				}
				continue
			}
			c.size = info.Size()
			r.candidates[rel] = append(r.candidates[rel], c)
		}

		_, hasFull := r.md.Full[rel]
		if len(r.candidates[rel]) == 0 && !tf.Optional && !hasFull {
			return failure.New(failure.KindRequiredFileMissing, "patch discover", rel, nil).
				WithDetail("no copy with a usable size was found and the patch carries no full replacement")
		}
	}
	r.log.Printf("patch: discover: %d files have candidates", len(r.candidates))
	return nil
}

func (r *run) classify(ctx context.Context) error {
	for _, rel := range sortedKeys(r.candidates) {
		tf := r.md.Files[rel]
		deltas := r.md.deltasFor(rel)
		for _, c := range r.candidates[rel] {
			if err := failure.FromContext(ctx, "patch classify"); err != nil {
				return err
			}
			r.emit(Event{Phase: PhaseClassify, File: rel, Total: c.size})
			sum, err := r.hashes.Hash(c.path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", c.path, err)
			}
			c.hash = sum
			switch {
			case sum == tf.MD5 && c.size == tf.Size:
				r.atTarget[rel] = append(r.atTarget[rel], c)
			case isDeltaSource(deltas, c):
				r.sources[rel] = append(r.sources[rel], c)
			case c.loc != locLive && c.loc != locSearch:
				r.superseded = append(r.superseded, c)
			}
		}
	}
	r.log.Printf("patch: classify: %d at target, %d with delta sources, %d superseded",
		len(r.atTarget), len(r.sources), len(r.superseded))
	return nil
}

func isDeltaSource(deltas []DeltaInfo, c candidate) bool {
	for _, d := range deltas {
		if d.FromMD5 == c.hash && (d.FromSize == 0 || d.FromSize == c.size) {
			return true
		}
	}
	return false
}

func (r *run) cleanup(ctx context.Context) error {
	removed := 0
	for _, c := range r.superseded {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return failure.FileOp("delete superseded", c.path, err)
		}
		r.hashes.Forget(c.path)
		removed++
	}
	r.log.Printf("patch: cleanup: removed %d superseded staging files", removed)
	return nil
}
