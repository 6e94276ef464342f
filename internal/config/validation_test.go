package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.ManifestURL = "https://updates.example.com/manifest.json"
	return cfg
}

func TestValidate_DefaultsWithURL(t *testing.T) {
	results := validConfig().Validate()
	if HasErrors(results) {
		t.Fatalf("expected no errors, got %v", results)
	}
}

func TestValidate_ManifestURL(t *testing.T) {
	cases := []struct {
		name  string
		url   string
		level string
	}{
		{name: "missing", url: "", level: "error"},
		{name: "plain http", url: "http://updates.example.com/m.json", level: "warning"},
		{name: "ftp", url: "ftp://updates.example.com/m.json", level: "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ManifestURL = tc.url
			results := cfg.validateManifestURL()
			if len(results) != 1 {
				t.Fatalf("expected 1 result, got %v", results)
			}
			if results[0].Level != tc.level {
				t.Fatalf("level = %q, want %q (%s)", results[0].Level, tc.level, results[0].Message)
			}
		})
	}
}

func TestValidate_InstallRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.InstallRoot = dir
	if res := cfg.validateInstallRoot(); len(res) != 0 {
		t.Fatalf("expected directory to validate, got %v", res)
	}

	cfg.InstallRoot = file
	if res := cfg.validateInstallRoot(); len(res) != 1 || !strings.Contains(res[0].Message, "not a directory") {
		t.Fatalf("expected not-a-directory error, got %v", res)
	}

	cfg.InstallRoot = filepath.Join(dir, "missing")
	if res := cfg.validateInstallRoot(); len(res) != 1 || !strings.Contains(res[0].Message, "not found") {
		t.Fatalf("expected not-found error, got %v", res)
	}
}

func TestValidate_LayoutMustBeRelative(t *testing.T) {
	cfg := validConfig()
	cfg.Layout.Probes = []string{"Game/Bin/core.dll", "../outside.dll"}
	results := cfg.validateLayout()
	if len(results) != 1 {
		t.Fatalf("expected 1 error, got %v", results)
	}
	if !strings.Contains(results[0].Message, "probes[1]") {
		t.Fatalf("expected error to name probes[1], got %q", results[0].Message)
	}
}

func TestValidate_ToolArgsPlaceholders(t *testing.T) {
	cfg := validConfig()
	cfg.Tools.Delta.ApplyArgs = []string{"-d", "{delta}", "{output}"}
	cfg.Tools.Delta.MergeArgs = []string{"merge", "{output}"}
	results := cfg.validateToolArgs()

	var errs, warns int
	for _, r := range results {
		switch r.Level {
		case "error":
			errs++
		case "warning":
			warns++
		}
	}
	if errs != 1 || warns != 1 {
		t.Fatalf("expected 1 error and 1 warning, got %v", results)
	}
}

func TestValidate_Retries(t *testing.T) {
	cfg := validConfig()
	cfg.Downloads.Retries.InitialBackoffMS = 5000
	cfg.Downloads.Retries.MaxBackoffMS = 100
	if res := cfg.validateRetries(); len(res) != 1 {
		t.Fatalf("expected retry error, got %v", res)
	}
}
