// Package features preserves the local enable/disable state of optional
// content across reconciliation.
package features

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"patchpilot/internal/atomicfile"
	"patchpilot/internal/failure"
)

// DefaultPattern matches feature directory names such as EP01 or SP12.
var DefaultPattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}$`)

// Snapshot maps feature ids to their enabled state. Only features with a
// known state in local configuration are included.
type Snapshot map[string]bool

// Status describes one feature.
type Status struct {
	ID        string `json:"id"`
	Installed bool   `json:"installed"`
	Known     bool   `json:"known"`
	Enabled   bool   `json:"enabled"`
}

// Logger is the minimal logging surface used by the preserver.
type Logger interface {
	Printf(format string, v ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

// Preserver reads and writes feature states through whichever format the
// installation uses.
type Preserver struct {
	// Formats defaults to the package-level list.
	Formats []Format
	// Pattern recognises feature directories and ids; DefaultPattern when nil.
	Pattern *regexp.Regexp
	// Catalog lists extra ids that count as features regardless of Pattern.
	Catalog []string
	Logger  Logger
}

func (p Preserver) formats() []Format {
	if len(p.Formats) == 0 {
		return Formats
	}
	return p.Formats
}

func (p Preserver) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

func (p Preserver) isFeature(id string) bool {
	for _, c := range p.Catalog {
		if c == id {
			return true
		}
	}
	pattern := p.Pattern
	if pattern == nil {
		pattern = DefaultPattern
	}
	return pattern.MatchString(id)
}

func (p Preserver) load(root string) (Format, []byte, map[string]bool, error) {
	f, err := Detect(root, p.formats())
	if err != nil {
		return Format{}, nil, nil, err
	}
	data, err := os.ReadFile(f.Path(root))
	if err != nil {
		return Format{}, nil, nil, fmt.Errorf("read %s: %w", f.Marker, err)
	}
	states := map[string]bool{}
	for id, enabled := range f.Codec.Read(data) {
		if p.isFeature(id) {
			states[id] = enabled
		}
	}
	return f, data, states, nil
}

func (p Preserver) store(root string, f Format, data []byte, states map[string]bool) error {
	path := f.Path(root)
	perm := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	out := f.Codec.Write(data, states)
	if err := atomicfile.WriteFile(path, out, perm); err != nil {
		return failure.FileOp("write feature config", path, err)
	}
	return nil
}

// Snapshot captures every feature with a known state.
func (p Preserver) Snapshot(root string) (Snapshot, error) {
	_, _, states, err := p.load(root)
	if err != nil {
		return nil, err
	}
	return Snapshot(states), nil
}

// Restore writes the snapshot's states back verbatim.
func (p Preserver) Restore(root string, snap Snapshot) error {
	f, data, _, err := p.load(root)
	if err != nil {
		return err
	}
	if len(snap) == 0 {
		return nil
	}
	return p.store(root, f, data, snap)
}

// Query lists features known to configuration or installed under root.
func (p Preserver) Query(root string) ([]Status, error) {
	_, _, states, err := p.load(root)
	if err != nil {
		return nil, err
	}
	installed, err := p.installed(root)
	if err != nil {
		return nil, err
	}

	byID := map[string]*Status{}
	for id, enabled := range states {
		byID[id] = &Status{ID: id, Known: true, Enabled: enabled}
	}
	for _, id := range installed {
		st, ok := byID[id]
		if !ok {
			st = &Status{ID: id}
			byID[id] = st
		}
		st.Installed = true
	}

	out := make([]Status, 0, len(byID))
	for _, st := range byID {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p Preserver) installed(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && p.isFeature(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Apply enables exactly the ids in enabled and disables every other known or
// installed feature.
func (p Preserver) Apply(root string, enabled map[string]bool) error {
	f, data, states, err := p.load(root)
	if err != nil {
		return err
	}
	installed, err := p.installed(root)
	if err != nil {
		return err
	}
	next := map[string]bool{}
	for id := range states {
		next[id] = enabled[id]
	}
	for _, id := range installed {
		next[id] = enabled[id]
	}
	for id, on := range enabled {
		if on && p.isFeature(id) {
			next[id] = true
		}
	}
	return p.store(root, f, data, next)
}

// Set changes the state of the given ids and leaves the rest untouched.
func (p Preserver) Set(root string, ids []string, enabled bool) error {
	f, data, _, err := p.load(root)
	if err != nil {
		return err
	}
	states := map[string]bool{}
	for _, id := range ids {
		if !p.isFeature(id) {
			return fmt.Errorf("%q is not a feature id", id)
		}
		states[id] = enabled
	}
	return p.store(root, f, data, states)
}

// Reconcile runs after patching: it restores snap, then enables features
// that are installed now but were absent from snap. The combined write only
// happens when at least one such feature exists. It returns the ids that
// were newly enabled.
func (p Preserver) Reconcile(root string, snap Snapshot, autoEnable bool) ([]string, error) {
	if err := p.Restore(root, snap); err != nil {
		return nil, err
	}
	statuses, err := p.Query(root)
	if err != nil {
		return nil, err
	}
	var fresh []string
	for _, st := range statuses {
		if _, ok := snap[st.ID]; !ok && st.Installed {
			fresh = append(fresh, st.ID)
		}
	}
	if !autoEnable || len(fresh) == 0 {
		return nil, nil
	}

	combined := map[string]bool{}
	for id, on := range snap {
		combined[id] = on
	}
	for _, id := range fresh {
		combined[id] = true
	}
	f, data, _, err := p.load(root)
	if err != nil {
		return nil, err
	}
	if err := p.store(root, f, data, combined); err != nil {
		return nil, err
	}
	p.logger().Printf("features: enabled newly installed %v", fresh)
	return fresh, nil
}

// ConfigPath returns the path of the detected configuration file.
func (p Preserver) ConfigPath(root string) (string, error) {
	f, err := Detect(root, p.formats())
	if err != nil {
		return "", err
	}
	return filepath.Clean(f.Path(root)), nil
}
