package fingerprint

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"patchpilot/internal/failure"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeInstall(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "Data", "Client"), 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	return root
}

var testLayout = Layout{Executable: "Game/Bin/Launcher.exe", DataDir: "Data/Client"}

func TestDetectDefinitive(t *testing.T) {
	root := writeInstall(t, map[string]string{
		"Game/Bin/Launcher.exe": "exe-v2",
		"Game/Bin/Core.dll":     "core-v2",
	})
	store := NewStore([]string{"Game/Bin/Launcher.exe", "Game/Bin/Core.dll"}, Versions{
		"1.0": {"Game/Bin/Launcher.exe": md5Hex("exe-v1"), "Game/Bin/Core.dll": md5Hex("core-v1")},
		"2.0": {"Game/Bin/Launcher.exe": md5Hex("exe-v2"), "Game/Bin/Core.dll": md5Hex("core-v2")},
	})

	res, err := Detector{Store: store, Layout: testLayout}.Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if res.Version != "2.0" || res.Confidence != Definitive {
		t.Fatalf("got %s/%s, want 2.0/definitive", res.Version, res.Confidence)
	}
	if len(res.Observed) != 2 {
		t.Fatalf("expected 2 observed probes, got %d", len(res.Observed))
	}
}

func TestMatchTieOnTwoProbesIsProbableNewest(t *testing.T) {
	store := NewStore(nil, Versions{
		"1.1": {"a": "aa", "b": "bb", "c": "c1"},
		"1.2": {"a": "aa", "b": "bb", "c": "c2"},
	})
	res := Match(store, map[string]string{"a": "aa", "b": "bb"})
	if res.Confidence != Probable {
		t.Fatalf("expected probable, got %s", res.Confidence)
	}
	if res.Version != "1.2" {
		t.Fatalf("expected newest tied version 1.2, got %s", res.Version)
	}
}

func TestMatchTieOnSingleProbeIsUnknown(t *testing.T) {
	store := NewStore(nil, Versions{
		"1.1": {"a": "aa"},
		"1.2": {"a": "aa"},
	})
	res := Match(store, map[string]string{"a": "aa"})
	if res.Known() {
		t.Fatalf("expected unknown, got %s/%s", res.Version, res.Confidence)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected both candidates listed, got %d", len(res.Candidates))
	}
}

func TestMatchRejectsContradictingProbe(t *testing.T) {
	store := NewStore(nil, Versions{
		"1.0": {"a": "aa", "b": "bb"},
	})
	res := Match(store, map[string]string{"a": "aa", "b": "XX"})
	if res.Known() {
		t.Fatalf("contradicting probe must disqualify, got %s", res.Version)
	}
	if len(res.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", res.Candidates)
	}
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	store := NewStore(nil, Versions{"1.0": {"a": "ABCDEF"}})
	res := Match(store, map[string]string{"a": "abcdef"})
	if res.Version != "1.0" || res.Confidence != Definitive {
		t.Fatalf("got %s/%s", res.Version, res.Confidence)
	}
}

func TestValidateRootMissingExecutable(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Data", "Client"), 0o755); err != nil {
		t.Fatal(err)
	}
	err := ValidateRoot(root, testLayout)
	if !failure.Is(err, failure.KindInvalidInstall) {
		t.Fatalf("expected invalid install, got %v", err)
	}
}

func TestValidateRootMissingDataDir(t *testing.T) {
	root := t.TempDir()
	exe := filepath.Join(root, "Game", "Bin", "Launcher.exe")
	if err := os.MkdirAll(filepath.Dir(exe), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(exe, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateRoot(root, testLayout); !failure.Is(err, failure.KindInvalidInstall) {
		t.Fatalf("expected invalid install, got %v", err)
	}
}

func TestObserveHonoursCancellation(t *testing.T) {
	root := writeInstall(t, map[string]string{"Game/Bin/Launcher.exe": "x"})
	store := NewStore([]string{"Game/Bin/Launcher.exe"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Detector{Store: store, Layout: testLayout}.Observe(ctx, root)
	if !failure.Is(err, failure.KindCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestObserveIgnoresProbesOutsideRoot(t *testing.T) {
	root := writeInstall(t, map[string]string{"Game/Bin/Launcher.exe": "x"})
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	learned, err := LoadLearned(filepath.Join(t.TempDir(), "learned.json"))
	if err != nil {
		t.Fatal(err)
	}
	learned.Merge(Versions{"9.9": {
		"../secret.txt":         md5Hex("secret"),
		"Game/Bin/Launcher.exe": md5Hex("x"),
	}})

	store := Merge(NewStore([]string{"Game/Bin/Launcher.exe"}, nil), learned.Store())
	observed, err := Detector{Store: store, Layout: testLayout}.Observe(context.Background(), root)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if len(observed) != 1 || observed["Game/Bin/Launcher.exe"] != md5Hex("x") {
		t.Fatalf("observed = %v", observed)
	}
}
