package patch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"patchpilot/internal/failure"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeExtractor serves archive members from memory.
type fakeExtractor struct {
	archives map[string]map[string]string
	calls    []extractCall
	fail     map[string]error
}

type extractCall struct {
	archive  string
	members  []string
	password string
}

func (f *fakeExtractor) Extract(ctx context.Context, archive, outDir string, members []string, password string) error {
	f.calls = append(f.calls, extractCall{archive: filepath.Base(archive), members: append([]string(nil), members...), password: password})
	if err := f.fail[filepath.Base(archive)]; err != nil {
		return err
	}
	content := f.archives[filepath.Base(archive)]
	names := members
	if len(names) == 0 {
		for name := range content {
			names = append(names, name)
		}
	}
	for _, name := range names {
		data, ok := content[name]
		if !ok {
			continue
		}
		p := filepath.Join(outDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// fakeDelta treats a delta file as "<from>|<to>": applying it to a source
// whose content is <from> produces <to>.
type fakeDelta struct {
	applies   int
	merges    int
	failMerge bool
}

func (f *fakeDelta) Apply(ctx context.Context, source, delta, output string, onBytes func(int64)) error {
	f.applies++
	src, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	d, err := os.ReadFile(delta)
	if err != nil {
		return err
	}
	from, to := splitDelta(string(d))
	if string(src) != from {
		return failure.New(failure.KindExternalTool, "apply delta", output, errors.New("source mismatch"))
	}
	if onBytes != nil {
		onBytes(int64(len(to)))
	}
	return os.WriteFile(output, []byte(to), 0o644)
}

func (f *fakeDelta) Merge(ctx context.Context, deltas []string, output string) error {
	f.merges++
	if f.failMerge {
		return failure.New(failure.KindExternalTool, "merge deltas", output, errors.New("merge unsupported"))
	}
	first, _ := os.ReadFile(deltas[0])
	last, _ := os.ReadFile(deltas[len(deltas)-1])
	from, _ := splitDelta(string(first))
	_, to := splitDelta(string(last))
	return os.WriteFile(output, []byte(from+"|"+to), 0o644)
}

func splitDelta(s string) (string, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

type fixture struct {
	root    string
	staging string
	ex      *fakeExtractor
	delta   *fakeDelta
	engine  *Engine
	job     Job
}

func newFixture(t *testing.T, md map[string]any, members map[string]string, live map[string]string) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		root:    filepath.Join(base, "game"),
		staging: filepath.Join(base, "staging"),
		delta:   &fakeDelta{},
	}
	for rel, content := range live {
		p := filepath.Join(f.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	meta, err := json.Marshal(md)
	if err != nil {
		t.Fatal(err)
	}
	archive := map[string]string{MetadataName: string(meta)}
	for k, v := range members {
		archive[k] = v
	}
	f.ex = &fakeExtractor{archives: map[string]map[string]string{"p1.rar": archive}}
	f.engine = New(Config{}, f.ex, f.delta)
	f.engine.FreeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	f.job = Job{
		Root:     f.root,
		Staging:  f.staging,
		Archives: map[string]string{"p1.rar": filepath.Join(base, "dl", "p1.rar")},
		Primary:  "p1.rar",
	}
	return f
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func file(content string, optional bool) map[string]any {
	return map[string]any{"md5": md5Hex(content), "size": len(content), "optional": optional}
}

func delta(rel, from, to, member string) map[string]any {
	return map[string]any{
		"file": rel, "from_md5": md5Hex(from), "from_size": len(from),
		"to_md5": md5Hex(to), "to_size": len(to),
		"archive": "p1.rar", "member": member, "size": len(from) + len(to) + 1,
	}
}

func TestAtTargetFileIsNeverExtractedOrPatched(t *testing.T) {
	md := map[string]any{
		"from": "1.0", "to": "1.1",
		"files": map[string]any{
			"Game/Bin/Core.dll": file("core-v11", false),
			"Data/a.pack":       file("pack-v11", false),
		},
		"deltas": map[string]any{
			"core": delta("Game/Bin/Core.dll", "core-v10", "core-v11", "deltas/core.xd"),
			"pack": delta("Data/a.pack", "pack-v10", "pack-v11", "deltas/pack.xd"),
		},
	}
	members := map[string]string{
		"deltas/core.xd": "core-v10|core-v11",
		"deltas/pack.xd": "pack-v10|pack-v11",
	}
	f := newFixture(t, md, members, map[string]string{
		"Game/Bin/Core.dll": "core-v11",
		"Data/a.pack":       "pack-v10",
	})

	rep, err := f.engine.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AtTarget != 1 || rep.Patched != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, c := range f.ex.calls {
		for _, m := range c.members {
			if m == "deltas/core.xd" {
				t.Fatal("delta for an at-target file was extracted")
			}
		}
	}
	if f.delta.applies != 1 {
		t.Fatalf("expected one delta application, got %d", f.delta.applies)
	}
	if got := f.read(t, "Data/a.pack"); got != "pack-v11" {
		t.Fatalf("a.pack = %q", got)
	}
	if got := f.read(t, "Game/Bin/Core.dll"); got != "core-v11" {
		t.Fatalf("Core.dll = %q", got)
	}
}

func TestFullReplacementForNewFile(t *testing.T) {
	md := map[string]any{
		"files": map[string]any{"Data/new.pack": file("brand-new", false)},
		"full":  map[string]any{"Data/new.pack": map[string]any{"archive": "p1.rar", "member": "full/new.pack", "size": 9}},
	}
	f := newFixture(t, md, map[string]string{"full/new.pack": "brand-new"}, nil)

	rep, err := f.engine.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Replaced != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := f.read(t, "Data/new.pack"); got != "brand-new" {
		t.Fatalf("new.pack = %q", got)
	}
}

func chainMetadata() (map[string]any, map[string]string) {
	md := map[string]any{
		"files": map[string]any{"Game/Bin/app.exe": file("app-v3", false)},
		"deltas": map[string]any{
			"a": delta("Game/Bin/app.exe", "app-v1", "app-v2", "d/a.xd"),
			"b": delta("Game/Bin/app.exe", "app-v2", "app-v3", "d/b.xd"),
		},
	}
	members := map[string]string{"d/a.xd": "app-v1|app-v2", "d/b.xd": "app-v2|app-v3"}
	return md, members
}

func TestDeltaChainMergesThenApplies(t *testing.T) {
	md, members := chainMetadata()
	f := newFixture(t, md, members, map[string]string{"Game/Bin/app.exe": "app-v1"})

	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.delta.merges != 1 || f.delta.applies != 1 {
		t.Fatalf("merges=%d applies=%d, want 1/1", f.delta.merges, f.delta.applies)
	}
	if got := f.read(t, "Game/Bin/app.exe"); got != "app-v3" {
		t.Fatalf("app.exe = %q", got)
	}
}

func TestDeltaChainFallsBackToSequential(t *testing.T) {
	md, members := chainMetadata()
	f := newFixture(t, md, members, map[string]string{"Game/Bin/app.exe": "app-v1"})
	f.delta.failMerge = true

	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.delta.applies != 2 {
		t.Fatalf("expected sequential applies, got %d", f.delta.applies)
	}
	if got := f.read(t, "Game/Bin/app.exe"); got != "app-v3" {
		t.Fatalf("app.exe = %q", got)
	}
}

func TestRequiredFileMissing(t *testing.T) {
	md := map[string]any{
		"files":  map[string]any{"Game/Bin/Core.dll": file("core-v11", false)},
		"deltas": map[string]any{"core": delta("Game/Bin/Core.dll", "core-v10", "core-v11", "d/core.xd")},
	}
	f := newFixture(t, md, map[string]string{"d/core.xd": "core-v10|core-v11"}, nil)

	_, err := f.engine.Run(context.Background(), f.job)
	if !failure.Is(err, failure.KindRequiredFileMissing) {
		t.Fatalf("expected required-file-missing, got %v", err)
	}
}

func TestOptionalFileMissingIsSkipped(t *testing.T) {
	md := map[string]any{
		"files":  map[string]any{"Extras/x.pack": file("x-v2", true)},
		"deltas": map[string]any{"x": delta("Extras/x.pack", "x-v1", "x-v2", "d/x.xd")},
	}
	f := newFixture(t, md, map[string]string{"d/x.xd": "x-v1|x-v2"}, nil)

	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "Extras", "x.pack")); !os.IsNotExist(err) {
		t.Fatal("optional file should not be created")
	}
}

func TestInsufficientSpaceBeforeExtraction(t *testing.T) {
	md := map[string]any{
		"files": map[string]any{"Data/new.pack": file("brand-new", false)},
		"full":  map[string]any{"Data/new.pack": map[string]any{"archive": "p1.rar", "member": "full/new.pack", "size": 9}},
	}
	f := newFixture(t, md, map[string]string{"full/new.pack": "brand-new"}, nil)
	f.engine.FreeSpace = func(string) (uint64, error) { return 1, nil }

	_, err := f.engine.Run(context.Background(), f.job)
	if !failure.Is(err, failure.KindInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
}

func TestDeletedFilesAreRemoved(t *testing.T) {
	md := map[string]any{
		"files":   map[string]any{"Game/Bin/Core.dll": file("core", false)},
		"deleted": []string{"Game/Bin/old.dll", "Game/Bin/never-existed.dll"},
	}
	f := newFixture(t, md, nil, map[string]string{"Game/Bin/Core.dll": "core", "Game/Bin/old.dll": "legacy"})

	rep, err := f.engine.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Removed != 1 {
		t.Fatalf("Removed = %d", rep.Removed)
	}
	if _, err := os.Stat(filepath.Join(f.root, "Game", "Bin", "old.dll")); !os.IsNotExist(err) {
		t.Fatal("old.dll should be gone")
	}
}

func TestSideArchivePolicy(t *testing.T) {
	md := map[string]any{"files": map[string]any{"Game/Bin/Core.dll": file("core", false)}}

	f := newFixture(t, md, nil, map[string]string{"Game/Bin/Core.dll": "core"})
	f.ex.archives["fix.rar"] = map[string]string{"Game/Bin/fix.ini": "fixed"}
	f.engine.Config.ApplySideArchive = true
	f.job.Side = &SideArchive{Path: filepath.Join(t.TempDir(), "fix.rar"), Password: "pw"}
	rep, err := f.engine.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.SideFiles != 1 || f.read(t, "Game/Bin/fix.ini") != "fixed" {
		t.Fatalf("side archive not applied: %+v", rep)
	}

	g := newFixture(t, md, nil, map[string]string{"Game/Bin/Core.dll": "core"})
	g.ex.fail = map[string]error{"fix.rar": failure.New(failure.KindExternalTool, "extract", "fix.rar", errors.New("wrong password"))}
	g.engine.Config.ApplySideArchive = true
	g.job.Side = &SideArchive{Path: filepath.Join(t.TempDir(), "fix.rar")}
	if _, err := g.engine.Run(context.Background(), g.job); err != nil {
		t.Fatalf("non-fatal side failure should not abort: %v", err)
	}
	g.engine.Config.SideArchiveFailureFatal = true
	if _, err := g.engine.Run(context.Background(), g.job); !failure.Is(err, failure.KindExternalTool) {
		t.Fatalf("expected fatal side failure, got %v", err)
	}
}

func TestSideArchiveDefaultPassword(t *testing.T) {
	md := map[string]any{"files": map[string]any{"Game/Bin/Core.dll": file("core", false)}}
	f := newFixture(t, md, nil, map[string]string{"Game/Bin/Core.dll": "core"})
	f.ex.archives["fix.rar"] = map[string]string{"Game/Bin/fix.ini": "fixed"}
	f.engine.Config.ApplySideArchive = true
	f.engine.Config.SidePassword = "fallback"
	f.job.Side = &SideArchive{Path: filepath.Join(t.TempDir(), "fix.rar")}
	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := f.ex.calls[len(f.ex.calls)-1]
	if last.archive != "fix.rar" || last.password != "fallback" {
		t.Fatalf("side archive extracted with %+v", last)
	}
}

func TestRunResumesFromStagedOutput(t *testing.T) {
	md, members := chainMetadata()
	f := newFixture(t, md, members, map[string]string{"Game/Bin/app.exe": "app-v1"})
	staged := filepath.Join(f.staging, "final", "Game", "Bin", "app.exe")
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staged, []byte("app-v3"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.delta.applies != 0 || f.delta.merges != 0 {
		t.Fatalf("staged output should be reused, applies=%d merges=%d", f.delta.applies, f.delta.merges)
	}
	if got := f.read(t, "Game/Bin/app.exe"); got != "app-v3" {
		t.Fatalf("app.exe = %q", got)
	}
}

func TestSupersededStagingIsDeletedBeforeExtraction(t *testing.T) {
	md, members := chainMetadata()
	f := newFixture(t, md, members, map[string]string{"Game/Bin/app.exe": "app-v1"})
	// Same size as the target, wrong content: left over from an older plan.
	stale := filepath.Join(f.staging, "final", "Game", "Bin", "app.exe")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("app-vX"), 0o644); err != nil {
		t.Fatal(err)
	}
	checked := false
	f.engine.Progress = func(ev Event) {
		if ev.Phase != PhaseExtract || checked {
			return
		}
		checked = true
		if _, err := os.Stat(stale); !os.IsNotExist(err) {
			t.Errorf("stale staged file still present before extraction: %v", err)
		}
	}

	if _, err := f.engine.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !checked {
		t.Fatal("extract phase never reported")
	}
	if f.delta.merges != 1 || f.delta.applies != 1 {
		t.Fatalf("stale file must not be reused, merges=%d applies=%d", f.delta.merges, f.delta.applies)
	}
	if got := f.read(t, "Game/Bin/app.exe"); got != "app-v3" {
		t.Fatalf("app.exe = %q", got)
	}
}

func searchDirFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	md := map[string]any{"files": map[string]any{"Game/Bin/Core.dll": file("core-v11", false)}}
	f := newFixture(t, md, nil, nil)
	search := t.TempDir()
	copyPath := filepath.Join(search, "Game", "Bin", "Core.dll")
	if err := os.MkdirAll(filepath.Dir(copyPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(copyPath, []byte("core-v11"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.engine.Config.SearchDirs = []string{search}
	return f, copyPath
}

func TestSearchDirCopyIsDuplicated(t *testing.T) {
	f, copyPath := searchDirFixture(t)
	var queried []string
	f.engine.FreeSpace = func(dir string) (uint64, error) {
		queried = append(queried, dir)
		return 1 << 40, nil
	}

	rep, err := f.engine.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Replaced != 1 || f.read(t, "Game/Bin/Core.dll") != "core-v11" {
		t.Fatalf("search copy not installed: %+v", rep)
	}
	if _, err := os.Stat(copyPath); err != nil {
		t.Fatalf("search directory copy must be kept: %v", err)
	}
	want := filepath.Join(f.root, "Game", "Bin")
	found := false
	for _, dir := range queried {
		found = found || dir == want
	}
	if !found {
		t.Fatalf("free space at %s not checked before copying, queried %v", want, queried)
	}
}

func TestSearchDirCopyNeedsSpace(t *testing.T) {
	f, copyPath := searchDirFixture(t)
	f.engine.FreeSpace = func(dir string) (uint64, error) {
		if rel, err := filepath.Rel(f.root, dir); err == nil && !strings.HasPrefix(rel, "..") {
			return 1, nil
		}
		return 1 << 40, nil
	}

	_, err := f.engine.Run(context.Background(), f.job)
	if !failure.Is(err, failure.KindInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "Game", "Bin", "Core.dll")); !os.IsNotExist(err) {
		t.Fatalf("nothing should be copied without space: %v", err)
	}
	if _, err := os.Stat(copyPath); err != nil {
		t.Fatalf("search directory copy must be kept: %v", err)
	}
}

func TestCancelledBeforeRun(t *testing.T) {
	md, members := chainMetadata()
	f := newFixture(t, md, members, map[string]string{"Game/Bin/app.exe": "app-v1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.Run(ctx, f.job); !failure.Is(err, failure.KindCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if got := f.read(t, "Game/Bin/app.exe"); got != "app-v1" {
		t.Fatal("live file must be untouched after cancellation")
	}
}
