package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"patchpilot/internal/failure"
)

// extract unpacks every archive member the selected actions need.
func (r *run) extract(ctx context.Context) error {
	needs := map[string]map[string]int64{}
	add := func(archive, member string, size int64) {
		if needs[archive] == nil {
			needs[archive] = map[string]int64{}
		}
		needs[archive][member] = size
	}
	for _, a := range r.actions {
		switch a.kind {
		case actFull:
			add(a.full.Archive, a.full.Member, a.full.Size)
		case actDelta:
			for _, d := range a.chain {
				add(d.Archive, d.Member, d.Size)
			}
		}
	}

	for _, name := range sortedKeys(needs) {
		if err := failure.FromContext(ctx, "extract"); err != nil {
			return err
		}
		var members []string
		var need int64
		for _, member := range sortedKeys(needs[name]) {
			size := needs[name][member]
			if info, err := os.Stat(filepath.Join(r.extractDir, filepath.FromSlash(member))); err == nil && size > 0 && info.Size() == size {
				continue
			}
			members = append(members, member)
			need += size
		}
		if len(members) == 0 {
			continue
		}
		archive, err := r.archivePath(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(r.extractDir, 0o755); err != nil {
			return fmt.Errorf("create staging: %w", err)
		}
		if err := ensureSpace(r.e.FreeSpace, "extract", r.extractDir, need); err != nil {
			return err
		}
		r.emit(Event{Phase: PhaseExtract, File: name, Total: need})
		r.log.Printf("patch: extract: %d members from %s", len(members), name)
		if err := r.e.Extractor.Extract(ctx, archive, r.extractDir, members, ""); err != nil {
			return err
		}
		for _, member := range members {
			if _, err := os.Stat(filepath.Join(r.extractDir, filepath.FromSlash(member))); err != nil {
				return failure.New(failure.KindRequiredFileMissing, "extract", member, err).
					WithDetail("member not produced by " + name)
			}
		}
		r.emit(Event{Phase: PhaseExtract, File: name, Done: need, Total: need})
	}
	return nil
}

// apply materialises every full copy and delta result in the final area.
func (r *run) apply(ctx context.Context) error {
	for _, a := range r.actions {
		if err := failure.FromContext(ctx, "apply"); err != nil {
			return err
		}
		out := filepath.Join(r.finalDir, filepath.FromSlash(a.rel))
		switch a.kind {
		case actFull:
			src := filepath.Join(r.extractDir, filepath.FromSlash(a.full.Member))
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("create staging: %w", err)
			}
			if err := os.Rename(src, out); err != nil {
				return fmt.Errorf("stage %s: %w", a.rel, err)
			}
			r.hashes.Forget(src)
			if err := r.verify(a.rel, out); err != nil {
				return err
			}
			r.report.Replaced++
		case actDelta:
			if err := r.applyChain(ctx, a, out); err != nil {
				return err
			}
			if err := r.verify(a.rel, out); err != nil {
				return err
			}
			r.report.Patched++
		}
	}
	return nil
}

func (r *run) applyChain(ctx context.Context, a action, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	target := out
	if samePath(a.from.path, out) {
		target = out + ".new"
	}
	total := r.md.Files[a.rel].Size
	onBytes := func(n int64) {
		r.emit(Event{Phase: PhaseApply, File: a.rel, Done: n, Total: total})
	}
	member := func(d DeltaInfo) string {
		return filepath.Join(r.extractDir, filepath.FromSlash(d.Member))
	}

	switch {
	case len(a.chain) == 1:
		if err := r.e.Delta.Apply(ctx, a.from.path, member(a.chain[0]), target, onBytes); err != nil {
			return err
		}
	default:
		if err := r.mergeThenApply(ctx, a, target, member, onBytes); err != nil {
			if failure.Is(err, failure.KindCancelled) {
				return err
			}
			r.log.Printf("patch: apply: merge of %d deltas for %s failed, applying sequentially: %v", len(a.chain), a.rel, err)
			if err := r.applySequential(ctx, a, target, member, onBytes); err != nil {
				return err
			}
		}
	}

	if target != out {
		if err := os.Rename(target, out); err != nil {
			return fmt.Errorf("stage %s: %w", a.rel, err)
		}
	}
	return nil
}

func (r *run) mergeThenApply(ctx context.Context, a action, target string, member func(DeltaInfo) string, onBytes func(int64)) error {
	paths := make([]string, len(a.chain))
	for i, d := range a.chain {
		paths[i] = member(d)
	}
	if err := os.MkdirAll(r.mergeDir, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	merged := filepath.Join(r.mergeDir, strings.ReplaceAll(a.rel, "/", "_")+".delta")
	defer os.Remove(merged)
	if err := r.e.Delta.Merge(ctx, paths, merged); err != nil {
		return err
	}
	return r.e.Delta.Apply(ctx, a.from.path, merged, target, onBytes)
}

func (r *run) applySequential(ctx context.Context, a action, target string, member func(DeltaInfo) string, onBytes func(int64)) error {
	if err := os.MkdirAll(r.mergeDir, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	base := filepath.Join(r.mergeDir, strings.ReplaceAll(a.rel, "/", "_"))
	src := a.from.path
	var intermediates []string
	defer func() {
		for _, p := range intermediates {
			os.Remove(p)
		}
	}()
	for i, d := range a.chain {
		if err := failure.FromContext(ctx, "apply"); err != nil {
			return err
		}
		dst := target
		if i < len(a.chain)-1 {
			dst = fmt.Sprintf("%s.step%d", base, i+1)
			intermediates = append(intermediates, dst)
		}
		if err := r.e.Delta.Apply(ctx, src, member(d), dst, onBytes); err != nil {
			return err
		}
		src = dst
	}
	return nil
}

// verify checks a staged file against its target hash.
func (r *run) verify(rel, p string) error {
	want := r.md.Files[rel].MD5
	if want == "" {
		return nil
	}
	got, err := r.hashes.Hash(p)
	if err != nil {
		return fmt.Errorf("hash %s: %w", p, err)
	}
	if got != want {
		os.Remove(p)
		r.hashes.Forget(p)
		return failure.New(failure.KindIntegrity, "verify", rel, errors.New("md5 mismatch")).
			WithDetail(fmt.Sprintf("expected %s, got %s", want, got))
	}
	return nil
}

func (r *run) applySide(ctx context.Context) error {
	side := r.job.Side
	if side == nil || !r.e.Config.ApplySideArchive {
		return nil
	}
	if err := os.MkdirAll(r.sideDir, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	if info, err := os.Stat(side.Path); err == nil {
		if err := ensureSpace(r.e.FreeSpace, "side archive", r.sideDir, info.Size()); err != nil {
			return err
		}
	}
	password := side.Password
	if password == "" {
		password = r.e.Config.SidePassword
	}
	err := r.e.Extractor.Extract(ctx, side.Path, r.sideDir, nil, password)
	if err == nil {
		r.sideOK = true
		return nil
	}
	if r.e.Config.SideArchiveFailureFatal || failure.Is(err, failure.KindCancelled) {
		return err
	}
	r.log.Printf("patch: side archive %s failed, continuing without it: %v", filepath.Base(side.Path), err)
	return nil
}

// move replaces live files with their staged counterparts, then removes the
// files the new version drops.
func (r *run) move(ctx context.Context) error {
	for _, a := range r.actions {
		if err := failure.FromContext(ctx, "move"); err != nil {
			return err
		}
		src := filepath.Join(r.finalDir, filepath.FromSlash(a.rel))
		keep := false
		if a.kind == actMove {
			src = a.from.path
			keep = a.from.loc == locSearch
		}
		dst := filepath.Join(r.job.Root, filepath.FromSlash(a.rel))
		if err := r.replaceFile(src, dst, keep); err != nil {
			return err
		}
		r.emit(Event{Phase: PhaseMove, File: a.rel})
		if a.kind == actMove {
			r.report.Replaced++
		}
	}

	if r.sideOK {
		var files []string
		err := filepath.WalkDir(r.sideDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan side archive output: %w", err)
		}
		sort.Strings(files)
		for _, p := range files {
			rel, err := filepath.Rel(r.sideDir, p)
			if err != nil {
				return err
			}
			if err := r.replaceFile(p, filepath.Join(r.job.Root, rel), false); err != nil {
				return err
			}
			r.report.SideFiles++
		}
	}

	for _, rel := range r.md.Deleted {
		p := filepath.Join(r.job.Root, filepath.FromSlash(rel))
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return failure.FileOp("delete", p, err)
		}
		r.hashes.Forget(p)
		r.report.Removed++
	}
	return nil
}

// replaceFile moves src over dst, renaming when possible and copying across
// volumes. dst is never observable half-written.
func (r *run) replaceFile(src, dst string, keepSource bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return failure.FileOp("create directory", filepath.Dir(dst), err)
	}
	r.hashes.Forget(dst)
	if !keepSource {
		err := os.Rename(src, dst)
		if err == nil {
			r.hashes.Forget(src)
			return nil
		}
		if errors.Is(err, fs.ErrPermission) {
			return failure.FileOp("replace", dst, err)
		}
		r.log.Printf("patch: move: rename %s failed, copying: %v", dst, err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat staged file: %w", err)
	}
	if err := ensureSpace(r.e.FreeSpace, "move", filepath.Dir(dst), info.Size()); err != nil {
		return err
	}
	tmp := dst + ".patchpilot-tmp"
	if err := copyFile(src, tmp, info.Mode().Perm()); err != nil {
		os.Remove(tmp)
		return failure.FileOp("copy", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return failure.FileOp("replace", dst, err)
	}
	if !keepSource {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			r.log.Printf("patch: move: could not remove staged %s: %v", src, err)
		}
		r.hashes.Forget(src)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return ca == cb
}
