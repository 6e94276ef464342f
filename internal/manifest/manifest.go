// Package manifest models the remotely published update description: the
// patch graph, per-file download descriptors, fingerprint additions and
// optional feature metadata.
package manifest

import (
	"net/url"
	"path"
	"strings"
)

// FileDescriptor locates one downloadable archive.
type FileDescriptor struct {
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MD5      string `json:"md5,omitempty"`
	Filename string `json:"filename"`
	// Pass is the extraction password; only side archives carry one.
	Pass string `json:"pass,omitempty"`
}

// PatchEdge is a directed version-to-version patch.
type PatchEdge struct {
	From  string           `json:"from"`
	To    string           `json:"to"`
	Files []FileDescriptor `json:"files"`
	// Crack is an optional side archive applied after reconciliation.
	Crack *FileDescriptor `json:"crack,omitempty"`
}

// TotalSize sums every descriptor size on the edge, side archive included.
func (e PatchEdge) TotalSize() int64 {
	var total int64
	for _, f := range e.Files {
		total += f.Size
	}
	if e.Crack != nil {
		total += e.Crack.Size
	}
	return total
}

// Descriptors returns the edge's files followed by the side archive, if any.
func (e PatchEdge) Descriptors() []FileDescriptor {
	out := append([]FileDescriptor(nil), e.Files...)
	if e.Crack != nil {
		out = append(out, *e.Crack)
	}
	return out
}

// Feature is a catalog entry for optional content.
type Feature struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Manifest is the parsed update description.
type Manifest struct {
	Latest          string
	GameLatest      string
	GameLatestDate  string
	Patches         []PatchEdge
	Fingerprints    map[string]map[string]string
	FingerprintsURL string
	ReportURL       string
	NewDLCs         []string
	DLCCatalog      []Feature
	DLCDownloads    map[string]FileDescriptor
}

// PatchPending reports whether a release newer than the latest patchable
// version has been published without a patch to it yet.
func (m Manifest) PatchPending() bool {
	return m.GameLatest != "" && m.GameLatest != m.Latest
}

// FeatureName returns the catalog name for id, or id itself.
func (m Manifest) FeatureName(id string) string {
	for _, f := range m.DLCCatalog {
		if f.ID == id && f.Name != "" {
			return f.Name
		}
	}
	return id
}

// FilenameFromURL returns the last path segment of raw with any query string
// or fragment removed.
func FilenameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	trimmed := raw
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}
