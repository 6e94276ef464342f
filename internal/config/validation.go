package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationResult captures a single validation finding.
type ValidationResult struct {
	Level   string `json:"level"` // "error" or "warning"
	Message string `json:"message"`
}

// Validate runs all validations against the config and returns structured
// results. An empty slice means the configuration is usable.
func (c Config) Validate() []ValidationResult {
	var results []ValidationResult
	results = append(results, c.validateManifestURL()...)
	results = append(results, c.validateInstallRoot()...)
	results = append(results, c.validateLayout()...)
	results = append(results, c.validateToolArgs()...)
	results = append(results, c.validateRetries()...)
	return results
}

// HasErrors reports whether any result is at error level.
func HasErrors(results []ValidationResult) bool {
	for _, r := range results {
		if r.Level == "error" {
			return true
		}
	}
	return false
}

func (c Config) validateManifestURL() []ValidationResult {
	raw := strings.TrimSpace(c.ManifestURL)
	if raw == "" {
		return []ValidationResult{{Level: "error", Message: "manifest_url is required"}}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return []ValidationResult{{Level: "error", Message: fmt.Sprintf("manifest_url %q is not a valid URL: %v", raw, err)}}
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		return []ValidationResult{{Level: "warning", Message: fmt.Sprintf("manifest_url %q is not using https", raw)}}
	default:
		return []ValidationResult{{Level: "error", Message: fmt.Sprintf("manifest_url %q must use http or https", raw)}}
	}
}

func (c Config) validateInstallRoot() []ValidationResult {
	root := strings.TrimSpace(c.InstallRoot)
	if root == "" {
		return nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return []ValidationResult{{Level: "error", Message: fmt.Sprintf("install_root %q not found", root)}}
	}
	if !info.IsDir() {
		return []ValidationResult{{Level: "error", Message: fmt.Sprintf("install_root %q is not a directory", root)}}
	}
	return nil
}

func (c Config) validateLayout() []ValidationResult {
	var results []ValidationResult
	check := func(field, value string) {
		if filepath.IsAbs(value) || strings.HasPrefix(filepath.Clean(filepath.FromSlash(value)), "..") {
			results = append(results, ValidationResult{
				Level:   "error",
				Message: fmt.Sprintf("layout %s %q must be relative to the install root", field, value),
			})
		}
	}
	check("executable", c.Layout.Executable)
	check("data_dir", c.Layout.DataDir)
	for i, probe := range c.Layout.Probes {
		check(fmt.Sprintf("probes[%d]", i), probe)
	}
	return results
}

func (c Config) validateToolArgs() []ValidationResult {
	var results []ValidationResult
	for _, ph := range []string{"{source}", "{delta}", "{output}"} {
		if !containsPlaceholder(c.Tools.Delta.ApplyArgs, ph) {
			results = append(results, ValidationResult{
				Level:   "error",
				Message: fmt.Sprintf("tools.delta.apply_args missing placeholder %s", ph),
			})
		}
	}
	for _, ph := range []string{"{deltas}", "{output}"} {
		if !containsPlaceholder(c.Tools.Delta.MergeArgs, ph) {
			results = append(results, ValidationResult{
				Level:   "warning",
				Message: fmt.Sprintf("tools.delta.merge_args missing placeholder %s; delta chains will be applied one by one", ph),
			})
		}
	}
	return results
}

func (c Config) validateRetries() []ValidationResult {
	r := c.Downloads.Retries
	if r.MaxBackoffMS < r.InitialBackoffMS {
		return []ValidationResult{{
			Level:   "error",
			Message: fmt.Sprintf("downloads.retries.max_backoff_ms (%d) is below initial_backoff_ms (%d)", r.MaxBackoffMS, r.InitialBackoffMS),
		}}
	}
	return nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, arg := range args {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}
