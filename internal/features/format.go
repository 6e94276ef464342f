package features

import (
	"os"
	"path/filepath"

	"patchpilot/internal/failure"
)

// Format is one on-disk feature configuration syntax, identified by the
// presence of its marker file under the installation root.
type Format struct {
	Name   string
	Marker string
	Codec  Codec
}

// Formats lists the supported syntaxes in detection priority order.
var Formats = []Format{
	{Name: "anadius", Marker: "Game/Bin/anadius.cfg", Codec: LineComment{Key: "DLC", Comment: "//"}},
	{Name: "entitlements", Marker: "Game/Bin/entitlements.ini", Codec: LineComment{Key: "Entitlement", Comment: ";"}},
	{Name: "codex", Marker: "Game/Bin/codex.cfg", Codec: ValueSwap{Key: "Group", Enabled: "MAIN", Disabled: "_"}},
	{Name: "rld", Marker: "Game/Bin/rld.ini", Codec: SectionSuffix{Suffix: "_"}},
	{Name: "rune", Marker: "Game/Bin/rune.ini", Codec: SectionSuffix{Suffix: "-off"}},
}

// Path returns the absolute location of the format's file under root.
func (f Format) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(f.Marker))
}

// Detect returns the first format whose marker exists under root.
func Detect(root string, formats []Format) (Format, error) {
	for _, f := range formats {
		if info, err := os.Stat(f.Path(root)); err == nil && info.Mode().IsRegular() {
			return f, nil
		}
	}
	return Format{}, failure.New(failure.KindNoLocalConfigFormat, "detect feature config", root, nil).
		WithDetail("none of the known feature configuration files is present")
}
