package tui

import (
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/term"
)

// OutputMode selects how update progress is shown.
type OutputMode int

const (
	// ModeTUI draws the live step table.
	ModeTUI OutputMode = iota
	// ModePlain writes one log-style line per state change.
	ModePlain
	// ModeJSON prints nothing until the final JSON document.
	ModeJSON
)

func (m OutputMode) String() string {
	switch m {
	case ModeTUI:
		return "tui"
	case ModeJSON:
		return "json"
	default:
		return "plain"
	}
}

// DetectMode picks ModeJSON when JSON output was requested, ModeTUI when out
// is a capable terminal and progress was not disabled, and ModePlain
// otherwise.
func DetectMode(out io.Writer, noProgress, jsonOutput bool) OutputMode {
	switch {
	case jsonOutput:
		return ModeJSON
	case noProgress || !interactive(out):
		return ModePlain
	default:
		return ModeTUI
	}
}

func interactive(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	name := os.Getenv("TERM")
	return name != "" && !strings.EqualFold(name, "dumb")
}
