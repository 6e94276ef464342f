package tools

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const separator = filepath.Separator

// ToolInfo captures availability and version details for an external tool.
type ToolInfo struct {
	Name      string   `json:"name"`
	Path      string   `json:"path,omitempty"`
	Version   string   `json:"version,omitempty"`
	Available bool     `json:"available"`
	Error     string   `json:"error,omitempty"`
	Hints     []string `json:"hints,omitempty"`
}

// Resolve turns a configured tool reference into an executable path. Bare
// names are searched on PATH; anything containing a separator must exist.
func Resolve(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("no tool configured")
	}
	if strings.ContainsAny(ref, `/\`) {
		if _, err := os.Stat(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	return exec.LookPath(executableName(ref))
}

// Probe reports availability for each named tool reference.
func Probe(ctx context.Context, runner Runner, refs map[string]string) []ToolInfo {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if runner == nil {
		runner = CmdRunner{}
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		out = append(out, probeOne(ctx, runner, name, refs[name]))
	}
	return out
}

func probeOne(ctx context.Context, runner Runner, name, ref string) ToolInfo {
	path, err := Resolve(ref)
	if err != nil {
		info := ToolInfo{Name: name, Available: false, Error: err.Error(), Hints: installHints(ref)}
		if errors.Is(err, exec.ErrNotFound) {
			info.Error = "not found"
		}
		return info
	}
	info := ToolInfo{Name: name, Path: path, Available: true}
	// Both tools print a banner when run without arguments; a non-zero exit
	// is expected there.
	res, _ := runner.Run(ctx, path, versionArgs(ref), RunOptions{})
	info.Version = firstLine(strings.TrimSpace(combinedOutput(res)))
	return info
}

func versionArgs(ref string) []string {
	base := strings.TrimSuffix(strings.ToLower(filepath.Base(ref)), ".exe")
	if strings.HasPrefix(base, "xdelta") {
		return []string{"-V"}
	}
	return nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

func executableName(base string) string {
	if runtime.GOOS == "windows" && filepath.Ext(base) == "" {
		return base + ".exe"
	}
	return base
}

func installHints(ref string) []string {
	base := strings.TrimSuffix(strings.ToLower(filepath.Base(ref)), ".exe")
	switch {
	case strings.HasPrefix(base, "xdelta"):
		switch runtime.GOOS {
		case "darwin":
			return []string{"Install xdelta3 via Homebrew: brew install xdelta"}
		case "linux":
			return []string{"Install xdelta3 with your distro package manager, e.g. sudo apt install xdelta3"}
		case "windows":
			return []string{"Download xdelta3.exe and set tools.delta.path in patchpilot.yaml"}
		}
	case base == "unrar":
		switch runtime.GOOS {
		case "darwin":
			return []string{"Install unrar via Homebrew: brew install rar"}
		case "linux":
			return []string{"Install unrar with your distro package manager, e.g. sudo apt install unrar"}
		case "windows":
			return []string{"Install WinRAR and point tools.archive.path at UnRAR.exe"}
		}
	}
	return nil
}
