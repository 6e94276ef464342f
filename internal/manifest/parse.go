package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"patchpilot/internal/failure"
)

const opParse = "parse manifest"

type rawDescriptor struct {
	URL      string      `json:"url"`
	Size     json.Number `json:"size"`
	MD5      string      `json:"md5"`
	Filename string      `json:"filename"`
	Pass     string      `json:"pass"`
}

type rawEdge struct {
	From  *string         `json:"from"`
	To    *string         `json:"to"`
	Files []rawDescriptor `json:"files"`
	Crack *rawDescriptor  `json:"crack"`
}

// Parse decodes a manifest document. Unknown fields are ignored and every
// optional field defaults to its zero value.
func Parse(data []byte) (Manifest, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil || root == nil {
		return Manifest{}, structural("", "root must be a JSON object")
	}

	var m Manifest
	if err := decodeString(root, "latest", &m.Latest); err != nil {
		return Manifest{}, err
	}
	if m.Latest == "" {
		return Manifest{}, structural("latest", "required field missing")
	}
	for key, dst := range map[string]*string{
		"game_latest":      &m.GameLatest,
		"game_latest_date": &m.GameLatestDate,
		"fingerprints_url": &m.FingerprintsURL,
		"report_url":       &m.ReportURL,
	} {
		if err := decodeString(root, key, dst); err != nil {
			return Manifest{}, err
		}
	}

	if raw, ok := root["patches"]; ok && !isNull(raw) {
		var edges []json.RawMessage
		if err := json.Unmarshal(raw, &edges); err != nil {
			return Manifest{}, structural("patches", "must be an array")
		}
		for i, rawEdgeData := range edges {
			edge, err := parseEdge(rawEdgeData, fmt.Sprintf("patches[%d]", i))
			if err != nil {
				return Manifest{}, err
			}
			m.Patches = append(m.Patches, edge)
		}
	}

	if raw, ok := root["fingerprints"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &m.Fingerprints); err != nil {
			return Manifest{}, structural("fingerprints", "must map version to {path: hash}")
		}
	}

	if raw, ok := root["new_dlcs"]; ok && !isNull(raw) {
		ids, err := parseFeatureIDs(raw)
		if err != nil {
			return Manifest{}, err
		}
		m.NewDLCs = ids
	}

	if raw, ok := root["dlc_catalog"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &m.DLCCatalog); err != nil {
			return Manifest{}, structural("dlc_catalog", "must be an array of {id, name}")
		}
	}

	if raw, ok := root["dlc_downloads"]; ok && !isNull(raw) {
		var downloads map[string]rawDescriptor
		if err := json.Unmarshal(raw, &downloads); err != nil {
			return Manifest{}, structural("dlc_downloads", "must map id to a file descriptor")
		}
		m.DLCDownloads = make(map[string]FileDescriptor, len(downloads))
		for id, d := range downloads {
			fd, err := d.descriptor(fmt.Sprintf("dlc_downloads[%q]", id))
			if err != nil {
				return Manifest{}, err
			}
			m.DLCDownloads[id] = fd
		}
	}

	return m, nil
}

func parseEdge(data json.RawMessage, pos string) (PatchEdge, error) {
	var re rawEdge
	if err := json.Unmarshal(data, &re); err != nil {
		return PatchEdge{}, structural(pos, "malformed patch edge: "+err.Error())
	}
	if re.From == nil || strings.TrimSpace(*re.From) == "" {
		return PatchEdge{}, structural(pos+".from", "required field missing")
	}
	if re.To == nil || strings.TrimSpace(*re.To) == "" {
		return PatchEdge{}, structural(pos+".to", "required field missing")
	}

	edge := PatchEdge{From: strings.TrimSpace(*re.From), To: strings.TrimSpace(*re.To)}
	for i, rd := range re.Files {
		fd, err := rd.descriptor(fmt.Sprintf("%s.files[%d]", pos, i))
		if err != nil {
			return PatchEdge{}, err
		}
		edge.Files = append(edge.Files, fd)
	}
	if re.Crack != nil {
		fd, err := re.Crack.descriptor(pos + ".crack")
		if err != nil {
			return PatchEdge{}, err
		}
		edge.Crack = &fd
	}
	return edge, nil
}

func (d rawDescriptor) descriptor(pos string) (FileDescriptor, error) {
	if strings.TrimSpace(d.URL) == "" {
		return FileDescriptor{}, structural(pos+".url", "required field missing")
	}
	var size int64
	if d.Size != "" {
		n, err := d.Size.Int64()
		if err != nil || n < 0 {
			return FileDescriptor{}, structural(pos+".size", "must be a non-negative integer")
		}
		size = n
	}
	fd := FileDescriptor{
		URL:      d.URL,
		Size:     size,
		MD5:      strings.ToLower(strings.TrimSpace(d.MD5)),
		Filename: d.Filename,
		Pass:     d.Pass,
	}
	if fd.Filename == "" {
		fd.Filename = FilenameFromURL(d.URL)
	}
	if fd.Filename == "" || fd.Filename == "." || fd.Filename == "/" {
		return FileDescriptor{}, structural(pos+".filename", "cannot derive a filename from the url")
	}
	return fd, nil
}

// parseFeatureIDs accepts either plain ids or {id: ...} objects.
func parseFeatureIDs(raw json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, structural("new_dlcs", "must be an array")
	}
	ids := make([]string, 0, len(items))
	for i, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.ID == "" {
			return nil, structural(fmt.Sprintf("new_dlcs[%d]", i), "must be an id or an object with id")
		}
		ids = append(ids, obj.ID)
	}
	return ids, nil
}

func decodeString(root map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := root[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var n json.Number
		if json.Unmarshal(raw, &n) == nil {
			*dst = n.String()
			return nil
		}
		return structural(key, "must be a string")
	}
	*dst = strings.TrimSpace(*dst)
	return nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func structural(pos, msg string) error {
	if pos == "" {
		return failure.Newf(failure.KindManifestStructure, opParse, "%s", msg)
	}
	return failure.Newf(failure.KindManifestStructure, opParse, "%s: %s", pos, msg)
}
