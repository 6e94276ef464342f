package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"patchpilot/internal/failure"
)

// Confidence grades a detection result.
type Confidence string

const (
	// Definitive means one version uniquely matched the most probes.
	Definitive Confidence = "definitive"
	// Probable means the best match tied with another version on two or more
	// probes; the newest tied version is reported.
	Probable Confidence = "probable"
	// Unknown means no version could be chosen.
	Unknown Confidence = "unknown"
)

// Candidate is a version consistent with every observed probe.
type Candidate struct {
	Version string `json:"version"`
	Matched int    `json:"matched"`
}

// DetectionResult reports the outcome of fingerprinting an installation.
type DetectionResult struct {
	Version    string            `json:"version,omitempty"`
	Confidence Confidence        `json:"confidence"`
	Observed   map[string]string `json:"observed"`
	Candidates []Candidate       `json:"candidates"`
}

// Known reports whether a version was chosen.
func (r DetectionResult) Known() bool {
	return r.Confidence != Unknown && r.Version != ""
}

// Layout names the structural markers of a valid installation.
type Layout struct {
	Executable string
	DataDir    string
}

// ValidateRoot fails fast when root does not look like an installation.
func ValidateRoot(root string, layout Layout) error {
	info, err := os.Stat(root)
	if err != nil {
		return failure.New(failure.KindInvalidInstall, "validate install", root, err)
	}
	if !info.IsDir() {
		return failure.Newf(failure.KindInvalidInstall, "validate install", "%s is not a directory", root)
	}
	if layout.Executable != "" {
		exe := filepath.Join(root, filepath.FromSlash(layout.Executable))
		st, err := os.Stat(exe)
		if err != nil || !st.Mode().IsRegular() {
			return failure.Newf(failure.KindInvalidInstall, "validate install",
				"%s not found under %s", layout.Executable, root)
		}
	}
	if layout.DataDir != "" {
		data := filepath.Join(root, filepath.FromSlash(layout.DataDir))
		st, err := os.Stat(data)
		if err != nil || !st.IsDir() {
			return failure.Newf(failure.KindInvalidInstall, "validate install",
				"directory %s not found under %s", layout.DataDir, root)
		}
	}
	return nil
}

// Detector identifies the installed version by hashing probe files.
type Detector struct {
	Store  Store
	Layout Layout
}

// Observe hashes every known probe that exists under root. Missing probes are
// skipped.
func (d Detector) Observe(ctx context.Context, root string) (map[string]string, error) {
	observed := make(map[string]string)
	for _, probe := range d.Store.Probes() {
		if err := failure.FromContext(ctx, "detect"); err != nil {
			return nil, err
		}
		path := filepath.Join(root, filepath.FromSlash(probe))
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat probe %s: %w", probe, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		hash, err := HashFile(path)
		if err != nil {
			return nil, err
		}
		observed[probe] = hash
	}
	return observed, nil
}

// Detect validates root and matches its probe hashes against the store.
func (d Detector) Detect(ctx context.Context, root string) (DetectionResult, error) {
	if err := ValidateRoot(root, d.Layout); err != nil {
		return DetectionResult{}, err
	}
	observed, err := d.Observe(ctx, root)
	if err != nil {
		return DetectionResult{}, err
	}
	return Match(d.Store, observed), nil
}

// Match ranks store versions against an observed probe set. A version is a
// candidate when every probe present on both sides agrees and at least one
// probe matched.
func Match(store Store, observed map[string]string) DetectionResult {
	res := DetectionResult{Confidence: Unknown, Observed: observed}

	for version, fp := range store.versions {
		matched := 0
		consistent := true
		for probe, want := range fp {
			got, ok := observed[probe]
			if !ok {
				continue
			}
			if NormalizeHash(got) != want {
				consistent = false
				break
			}
			matched++
		}
		if consistent && matched > 0 {
			res.Candidates = append(res.Candidates, Candidate{Version: version, Matched: matched})
		}
	}

	sort.Slice(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Matched != b.Matched {
			return a.Matched > b.Matched
		}
		return CompareVersions(a.Version, b.Version) > 0
	})

	if len(res.Candidates) == 0 {
		return res
	}
	top := res.Candidates[0]
	unique := len(res.Candidates) == 1 || res.Candidates[1].Matched < top.Matched
	switch {
	case unique:
		res.Version = top.Version
		res.Confidence = Definitive
	case top.Matched >= 2:
		res.Version = top.Version
		res.Confidence = Probable
	}
	return res
}
