package fingerprint

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

//go:embed baseline.jsonc
var baselineData []byte

// File is the on-disk shape shared by the bundled baseline and the learned
// cache.
type File struct {
	SentinelFiles []string `json:"sentinel_files"`
	Versions      Versions `json:"versions"`
	Updated       int64    `json:"updated"`
}

// Baseline returns the bundled fingerprint store.
func Baseline() (Store, error) {
	return ParseFile(baselineData)
}

// ParseFile decodes a fingerprint file. Comments and trailing commas are
// accepted.
func ParseFile(data []byte) (Store, error) {
	var f File
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return Store{}, fmt.Errorf("decode fingerprints: %w", err)
	}
	return NewStore(f.SentinelFiles, f.Versions), nil
}
