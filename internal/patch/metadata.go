package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"patchpilot/internal/failure"
	"patchpilot/internal/fingerprint"
)

// MetadataName is the member of each step's primary archive that describes
// the target state.
const MetadataName = "metadata.json"

// TargetFile is the expected state of one installation file.
type TargetFile struct {
	MD5      string `json:"md5"`
	Size     int64  `json:"size"`
	Optional bool   `json:"optional,omitempty"`
}

// DeltaInfo describes one binary delta and where it is packed.
type DeltaInfo struct {
	ID       string `json:"-"`
	File     string `json:"file"`
	FromMD5  string `json:"from_md5"`
	FromSize int64  `json:"from_size"`
	ToMD5    string `json:"to_md5"`
	ToSize   int64  `json:"to_size"`
	Archive  string `json:"archive"`
	Member   string `json:"member"`
	Size     int64  `json:"size"`
}

// FullEntry locates a complete copy of a file inside an archive.
type FullEntry struct {
	Archive string `json:"archive"`
	Member  string `json:"member"`
	Size    int64  `json:"size"`
}

// Metadata is the parsed target state for one patch step.
type Metadata struct {
	From    string                `json:"from"`
	To      string                `json:"to"`
	Files   map[string]TargetFile `json:"files"`
	Deltas  map[string]DeltaInfo  `json:"deltas"`
	Full    map[string]FullEntry  `json:"full"`
	Deleted []string              `json:"deleted"`
}

// LoadMetadata reads and parses a metadata document.
func LoadMetadata(p string) (Metadata, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Metadata{}, fmt.Errorf("read patch metadata: %w", err)
	}
	return ParseMetadata(data)
}

// ParseMetadata decodes a metadata document and normalises paths and hashes.
func ParseMetadata(data []byte) (Metadata, error) {
	var raw Metadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, failure.New(failure.KindManifestStructure, "parse patch metadata", MetadataName, err)
	}

	md := Metadata{
		From:   raw.From,
		To:     raw.To,
		Files:  make(map[string]TargetFile, len(raw.Files)),
		Deltas: make(map[string]DeltaInfo, len(raw.Deltas)),
		Full:   make(map[string]FullEntry, len(raw.Full)),
	}
	for rel, tf := range raw.Files {
		clean, err := cleanRel(rel)
		if err != nil {
			return Metadata{}, err
		}
		tf.MD5 = fingerprint.NormalizeHash(tf.MD5)
		md.Files[clean] = tf
	}
	for id, d := range raw.Deltas {
		clean, err := cleanRel(d.File)
		if err != nil {
			return Metadata{}, err
		}
		if _, ok := md.Files[clean]; !ok {
			return Metadata{}, failure.Newf(failure.KindManifestStructure, "parse patch metadata",
				"deltas[%q] targets unknown file %s", id, d.File)
		}
		if d.Member == "" || d.Archive == "" {
			return Metadata{}, failure.Newf(failure.KindManifestStructure, "parse patch metadata",
				"deltas[%q] has no archive member", id)
		}
		d.ID = id
		d.File = clean
		d.FromMD5 = fingerprint.NormalizeHash(d.FromMD5)
		d.ToMD5 = fingerprint.NormalizeHash(d.ToMD5)
		md.Deltas[id] = d
	}
	for rel, f := range raw.Full {
		clean, err := cleanRel(rel)
		if err != nil {
			return Metadata{}, err
		}
		if f.Member == "" || f.Archive == "" {
			return Metadata{}, failure.Newf(failure.KindManifestStructure, "parse patch metadata",
				"full[%q] has no archive member", rel)
		}
		md.Full[clean] = f
	}
	for _, rel := range raw.Deleted {
		clean, err := cleanRel(rel)
		if err != nil {
			return Metadata{}, err
		}
		md.Deleted = append(md.Deleted, clean)
	}
	return md, nil
}

// deltasFor returns the deltas that produce versions of rel.
func (m Metadata) deltasFor(rel string) []DeltaInfo {
	var out []DeltaInfo
	for _, d := range m.Deltas {
		if d.File == rel {
			out = append(out, d)
		}
	}
	return out
}

// cleanRel canonicalises an installation-relative path and rejects paths
// that escape the root.
func cleanRel(rel string) (string, error) {
	p := path.Clean(strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/"))
	if p == "." || p == "" || strings.HasPrefix(p, "/") || p == ".." || strings.HasPrefix(p, "../") {
		return "", failure.Newf(failure.KindManifestStructure, "parse patch metadata", "invalid path %q", rel)
	}
	return p, nil
}
