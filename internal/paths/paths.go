package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"patchpilot/internal/config"
)

// HomeEnv relocates every piece of patchpilot state when set.
const HomeEnv = "PATCHPILOT_HOME"

// AppPaths captures canonical locations for patchpilot state. None of these
// live inside the installation being patched.
type AppPaths struct {
	Home             string
	ConfigFile       string
	LearnedCacheFile string
	SettingsFile     string
	DownloadsDir     string
	StagingDir       string
	LogsDir          string
}

// Resolve determines the state root using the optional --home flag, the
// PATCHPILOT_HOME environment variable, or the per-user data directory.
func Resolve(homeFlag string) (AppPaths, error) {
	if homeFlag != "" {
		abs, err := filepath.Abs(homeFlag)
		if err != nil {
			return AppPaths{}, fmt.Errorf("resolve home: %w", err)
		}
		return newAppPaths(abs), nil
	}

	if override, ok := os.LookupEnv(HomeEnv); ok && override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return AppPaths{}, fmt.Errorf("resolve %s: %w", HomeEnv, err)
		}
		return newAppPaths(abs), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return AppPaths{}, fmt.Errorf("detect user home: %w", err)
	}

	var root string
	switch runtime.GOOS {
	case "darwin":
		root = filepath.Join(home, "Library", "Application Support", "PatchPilot")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			root = filepath.Join(localAppData, "PatchPilot")
		} else {
			root = filepath.Join(home, "AppData", "Local", "PatchPilot")
		}
	default:
		root = filepath.Join(home, ".local", "share", "patchpilot")
	}
	return newAppPaths(root), nil
}

func newAppPaths(root string) AppPaths {
	return AppPaths{
		Home:             root,
		ConfigFile:       filepath.Join(root, "patchpilot.yaml"),
		LearnedCacheFile: filepath.Join(root, "fingerprints.json"),
		SettingsFile:     filepath.Join(root, "settings.json"),
		DownloadsDir:     filepath.Join(root, "downloads"),
		StagingDir:       filepath.Join(root, "staging"),
		LogsDir:          filepath.Join(root, "logs"),
	}
}

// ApplyConfig overrides locations that the config file is allowed to move.
func ApplyConfig(p AppPaths, cfg config.Config) AppPaths {
	if dir := strings.TrimSpace(cfg.Downloads.Dir); dir != "" {
		p.DownloadsDir = resolveHomePath(p.Home, dir)
	}
	return p
}

func resolveHomePath(root, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(root, value)
}

// EnsureDirs creates the state hierarchy.
func (p AppPaths) EnsureDirs() error {
	dirs := []string{p.Home, p.DownloadsDir, p.StagingDir, p.LogsDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StepStaging returns the staging directory for one plan step. It outlives a
// failed run so the next attempt can resume from it.
func (p AppPaths) StepStaging(from, to string) string {
	return filepath.Join(p.StagingDir, sanitize(from)+"_"+sanitize(to))
}

// StepDownloads returns the download directory for one plan step.
func (p AppPaths) StepDownloads(from, to string) string {
	return filepath.Join(p.DownloadsDir, sanitize(from)+"_"+sanitize(to))
}

func sanitize(version string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, version)
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists reports whether a path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
