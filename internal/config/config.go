package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures how patchpilot locates, fetches, and patches an installation.
type Config struct {
	Version     int             `yaml:"version"`
	InstallRoot string          `yaml:"install_root,omitempty"`
	ManifestURL string          `yaml:"manifest_url"`
	Layout      LayoutConfig    `yaml:"layout"`
	Downloads   DownloadsConfig `yaml:"downloads"`
	Tools       ToolsConfig     `yaml:"tools"`
	Patching    PatchingConfig  `yaml:"patching"`
	Reporting   ReportingConfig `yaml:"reporting"`
	Features    FeaturesConfig  `yaml:"features"`
}

// LayoutConfig names the files that identify a valid installation root.
type LayoutConfig struct {
	// Executable is a root-relative path that must exist as a regular file.
	Executable string `yaml:"executable"`
	// DataDir is a root-relative path that must exist as a directory.
	DataDir string `yaml:"data_dir"`
	// Probes extends the probe set of the bundled fingerprint baseline.
	Probes []string `yaml:"probes,omitempty"`
}

// DownloadsConfig tunes the downloader.
type DownloadsConfig struct {
	Dir         string      `yaml:"dir,omitempty"`
	ChunkSizeKB int         `yaml:"chunk_size_kb"`
	TimeoutSec  int         `yaml:"timeout_s"`
	Retries     RetryConfig `yaml:"retries"`
}

// RetryConfig describes the exponential backoff applied to transient
// transfer failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

// ToolsConfig points at the external delta and archive tools.
type ToolsConfig struct {
	Delta   DeltaToolConfig   `yaml:"delta"`
	Archive ArchiveToolConfig `yaml:"archive"`
}

// DeltaToolConfig configures the binary-delta tool. Argument templates use
// the placeholders {source}, {delta}, {deltas}, {output}.
type DeltaToolConfig struct {
	Path      string   `yaml:"path,omitempty"`
	ApplyArgs []string `yaml:"apply_args,omitempty"`
	MergeArgs []string `yaml:"merge_args,omitempty"`
}

// ArchiveToolConfig configures the archive extraction tool.
type ArchiveToolConfig struct {
	Path     string `yaml:"path,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// PatchingConfig holds the per-installation reconciliation policy.
type PatchingConfig struct {
	ApplySideArchive        *bool `yaml:"apply_side_archive,omitempty"`
	SideArchiveFailureFatal *bool `yaml:"side_archive_failure_fatal,omitempty"`
	KeepStaging             bool  `yaml:"keep_staging,omitempty"`
	// SearchDirs are extra directories scanned for copies of target files,
	// such as a second installation of the same game.
	SearchDirs []string `yaml:"search_dirs,omitempty"`
}

// ReportingConfig controls best-effort fingerprint reporting.
type ReportingConfig struct {
	Enabled    *bool `yaml:"enabled,omitempty"`
	TimeoutSec int   `yaml:"timeout_s"`
}

// FeaturesConfig controls feature-state preservation.
type FeaturesConfig struct {
	AutoEnableNew *bool `yaml:"auto_enable_new,omitempty"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Version: 1,
		Layout: LayoutConfig{
			Executable: "Game/Bin/Launcher.exe",
			DataDir:    "Data/Client",
		},
		Downloads: DownloadsConfig{
			ChunkSizeKB: 64,
			TimeoutSec:  30,
			Retries: RetryConfig{
				MaxAttempts:      5,
				InitialBackoffMS: 500,
				MaxBackoffMS:     30000,
			},
		},
		Tools: ToolsConfig{
			Delta: DeltaToolConfig{
				Path:      "xdelta3",
				ApplyArgs: []string{"-d", "-f", "-s", "{source}", "{delta}", "{output}"},
				MergeArgs: []string{"merge", "{deltas}", "{output}"},
			},
			Archive: ArchiveToolConfig{
				Path: "unrar",
			},
		},
		Patching: PatchingConfig{
			ApplySideArchive:        boolPtr(true),
			SideArchiveFailureFatal: boolPtr(false),
		},
		Reporting: ReportingConfig{
			Enabled:    boolPtr(true),
			TimeoutSec: 5,
		},
		Features: FeaturesConfig{
			AutoEnableNew: boolPtr(true),
		},
	}
}

// Load reads the YAML configuration from disk if it exists, otherwise returns
// the default configuration.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults ensures nested fields fall back to sensible defaults when the
// YAML omits them.
func (c *Config) ApplyDefaults() {
	defaults := Default()

	if c.Version == 0 {
		c.Version = defaults.Version
	}
	if c.Layout.Executable == "" {
		c.Layout.Executable = defaults.Layout.Executable
	}
	if c.Layout.DataDir == "" {
		c.Layout.DataDir = defaults.Layout.DataDir
	}
	if c.Downloads.ChunkSizeKB <= 0 {
		c.Downloads.ChunkSizeKB = defaults.Downloads.ChunkSizeKB
	}
	if c.Downloads.TimeoutSec <= 0 {
		c.Downloads.TimeoutSec = defaults.Downloads.TimeoutSec
	}
	if c.Downloads.Retries.MaxAttempts <= 0 {
		c.Downloads.Retries.MaxAttempts = defaults.Downloads.Retries.MaxAttempts
	}
	if c.Downloads.Retries.InitialBackoffMS <= 0 {
		c.Downloads.Retries.InitialBackoffMS = defaults.Downloads.Retries.InitialBackoffMS
	}
	if c.Downloads.Retries.MaxBackoffMS <= 0 {
		c.Downloads.Retries.MaxBackoffMS = defaults.Downloads.Retries.MaxBackoffMS
	}
	if c.Tools.Delta.Path == "" {
		c.Tools.Delta.Path = defaults.Tools.Delta.Path
	}
	if len(c.Tools.Delta.ApplyArgs) == 0 {
		c.Tools.Delta.ApplyArgs = defaults.Tools.Delta.ApplyArgs
	}
	if len(c.Tools.Delta.MergeArgs) == 0 {
		c.Tools.Delta.MergeArgs = defaults.Tools.Delta.MergeArgs
	}
	if c.Tools.Archive.Path == "" {
		c.Tools.Archive.Path = defaults.Tools.Archive.Path
	}
	if c.Patching.ApplySideArchive == nil {
		c.Patching.ApplySideArchive = boolPtr(true)
	}
	if c.Patching.SideArchiveFailureFatal == nil {
		c.Patching.SideArchiveFailureFatal = boolPtr(false)
	}
	if c.Reporting.Enabled == nil {
		c.Reporting.Enabled = boolPtr(true)
	}
	if c.Reporting.TimeoutSec <= 0 {
		c.Reporting.TimeoutSec = defaults.Reporting.TimeoutSec
	}
	if c.Features.AutoEnableNew == nil {
		c.Features.AutoEnableNew = boolPtr(true)
	}
}

// ChunkSize returns the streaming chunk size in bytes.
func (c Config) ChunkSize() int {
	if c.Downloads.ChunkSizeKB <= 0 {
		return 64 * 1024
	}
	return c.Downloads.ChunkSizeKB * 1024
}

// Timeout returns the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Downloads.TimeoutSec) * time.Second
}

// ApplySideArchive reports whether side archives are applied after patching.
func (c Config) ApplySideArchive() bool {
	return c.Patching.ApplySideArchive == nil || *c.Patching.ApplySideArchive
}

// SideArchiveFailureFatal reports whether a failed side-archive extraction
// aborts the run instead of being logged.
func (c Config) SideArchiveFailureFatal() bool {
	return c.Patching.SideArchiveFailureFatal != nil && *c.Patching.SideArchiveFailureFatal
}

// ReportingEnabled reports whether newly learned fingerprints are sent to the
// manifest's report_url.
func (c Config) ReportingEnabled() bool {
	return c.Reporting.Enabled == nil || *c.Reporting.Enabled
}

// ReportTimeout bounds a single fingerprint report.
func (c Config) ReportTimeout() time.Duration {
	return time.Duration(c.Reporting.TimeoutSec) * time.Second
}

// AutoEnableNewFeatures reports whether features that appear during an update
// are switched on automatically.
func (c Config) AutoEnableNewFeatures() bool {
	return c.Features.AutoEnableNew == nil || *c.Features.AutoEnableNew
}

// Marshal returns the YAML encoding of the configuration.
func (c Config) Marshal() ([]byte, error) {
	buf, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf, nil
}

func boolPtr(v bool) *bool {
	return &v
}
