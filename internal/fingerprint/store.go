package fingerprint

import (
	"sort"
)

// Versions maps a version to its probe-path → hash fingerprint.
type Versions map[string]map[string]string

// Store is a merged, read-only view of known fingerprints.
type Store struct {
	probes   []string
	versions Versions
}

// NewStore builds a store from a probe list and fingerprint records. Paths
// and hashes are normalised; versions with no probes are dropped.
func NewStore(probes []string, versions Versions) Store {
	s := Store{versions: Versions{}}
	s.probes = unionProbes(nil, probes)
	for version, hashes := range versions {
		s.overlay(version, hashes)
	}
	return s
}

// Merge overlays layers onto base in order. Later layers win per version and
// per probe; probe lists are unioned.
func Merge(base Store, layers ...Store) Store {
	out := Store{versions: Versions{}}
	out.probes = unionProbes(nil, base.probes)
	for version, hashes := range base.versions {
		out.overlay(version, hashes)
	}
	for _, layer := range layers {
		out.probes = unionProbes(out.probes, layer.probes)
		for version, hashes := range layer.versions {
			out.overlay(version, hashes)
		}
	}
	return out
}

func (s *Store) overlay(version string, hashes map[string]string) {
	if version == "" || len(hashes) == 0 {
		return
	}
	dst, ok := s.versions[version]
	if !ok {
		dst = make(map[string]string, len(hashes))
		s.versions[version] = dst
	}
	var extra []string
	for probe, hash := range hashes {
		probe = NormalizeProbe(probe)
		if probe == "" {
			continue
		}
		dst[probe] = NormalizeHash(hash)
		extra = append(extra, probe)
	}
	s.probes = unionProbes(s.probes, extra)
}

// Probes returns the sorted union of probe paths.
func (s Store) Probes() []string {
	return append([]string(nil), s.probes...)
}

// VersionNames returns the known versions, newest first.
func (s Store) VersionNames() []string {
	names := make([]string, 0, len(s.versions))
	for v := range s.versions {
		names = append(names, v)
	}
	sort.Slice(names, func(i, j int) bool { return CompareVersions(names[i], names[j]) > 0 })
	return names
}

// Fingerprint returns a copy of one version's probe hashes.
func (s Store) Fingerprint(version string) (map[string]string, bool) {
	fp, ok := s.versions[version]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(fp))
	for k, v := range fp {
		out[k] = v
	}
	return out, true
}

// Len returns the number of known versions.
func (s Store) Len() int {
	return len(s.versions)
}

func unionProbes(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, list := range [][]string{existing, extra} {
		for _, p := range list {
			p = NormalizeProbe(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
