package features

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"patchpilot/internal/failure"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		codec Codec
		input string
	}{
		{"line comment", LineComment{Key: "DLC", Comment: "//"}, "// header\nDLC = EP01\n//DLC = EP02\n  DLC = SP03\n"},
		{"semicolon", LineComment{Key: "Entitlement", Comment: ";"}, "[Entitlements]\nEntitlement = EP01\n;Entitlement = EP02\n"},
		{"value swap", ValueSwap{Key: "Group", Enabled: "MAIN", Disabled: "_"}, "[General]\nName = x\n[EP01]\nGroup = MAIN\n[EP02]\nGroup = _\n"},
		{"section suffix", SectionSuffix{Suffix: "-off"}, "[EP01]\nPath = a\n[EP02-off]\nPath = b\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			states := tc.codec.Read([]byte(tc.input))
			if states["EP01"] != true || states["EP02"] != false {
				t.Fatalf("unexpected states %v", states)
			}
			if _, ok := states["EP02"]; !ok {
				t.Fatal("disabled feature should have a known state")
			}

			flipped := map[string]bool{"EP01": false, "EP02": true}
			out := tc.codec.Write([]byte(tc.input), flipped)
			got := tc.codec.Read(out)
			if got["EP01"] != false || got["EP02"] != true {
				t.Fatalf("after write: %v\n%s", got, out)
			}

			again := tc.codec.Write(out, states)
			if string(again) != tc.input {
				t.Fatalf("round trip changed file:\n%q\nwant\n%q", again, tc.input)
			}
		})
	}
}

func TestCodecAppendsUnknownFeature(t *testing.T) {
	c := SectionSuffix{Suffix: "_"}
	out := c.Write([]byte("[EP01]\n"), map[string]bool{"GP05": false})
	if !strings.Contains(string(out), "[GP05_]") {
		t.Fatalf("expected appended disabled section, got %q", out)
	}
}

func TestCodecPreservesCRLF(t *testing.T) {
	c := LineComment{Key: "DLC", Comment: "//"}
	out := c.Write([]byte("DLC = EP01\r\nDLC = EP02\r\n"), map[string]bool{"EP02": false})
	if string(out) != "DLC = EP01\r\n//DLC = EP02\r\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDetectPriorityAndMissing(t *testing.T) {
	root := t.TempDir()
	if _, err := Detect(root, Formats); !failure.Is(err, failure.KindNoLocalConfigFormat) {
		t.Fatalf("expected no-local-config-format, got %v", err)
	}
	writeFile(t, filepath.Join(root, "Game", "Bin", "rune.ini"), "")
	writeFile(t, filepath.Join(root, "Game", "Bin", "codex.cfg"), "")
	f, err := Detect(root, Formats)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if f.Name != "codex" {
		t.Fatalf("expected codex to win by priority, got %s", f.Name)
	}
}

func newInstall(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Game", "Bin", "anadius.cfg"),
		"// feature list\nDLC = EP01\n//DLC = EP02\n")
	for _, id := range []string{"EP01", "EP02", "Game", "Data"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	root := newInstall(t)
	p := Preserver{}

	snap, err := p.Snapshot(root)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := Snapshot{"EP01": true, "EP02": false}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot = %v, want %v", snap, want)
	}

	// Simulate the patch resetting the configuration file.
	writeFile(t, filepath.Join(root, "Game", "Bin", "anadius.cfg"), "DLC = EP01\nDLC = EP02\n")

	if err := p.Restore(root, snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	again, err := p.Snapshot(root)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !reflect.DeepEqual(again, snap) {
		t.Fatalf("restored snapshot = %v, want %v", again, snap)
	}
}

func TestReconcileAutoEnablesNewFeatureOnce(t *testing.T) {
	root := newInstall(t)
	p := Preserver{}
	snap, err := p.Snapshot(root)
	if err != nil {
		t.Fatal(err)
	}

	// The patch installs SP03 without a configuration entry.
	if err := os.MkdirAll(filepath.Join(root, "SP03"), 0o755); err != nil {
		t.Fatal(err)
	}

	fresh, err := p.Reconcile(root, snap, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !reflect.DeepEqual(fresh, []string{"SP03"}) {
		t.Fatalf("fresh = %v", fresh)
	}
	after, _ := p.Snapshot(root)
	if !after["SP03"] || after["EP02"] || !after["EP01"] {
		t.Fatalf("unexpected states after reconcile: %v", after)
	}

	// A second run with a snapshot taken after the first sees nothing new.
	fresh, err = p.Reconcile(root, after, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("feature enabled twice: %v", fresh)
	}
}

func TestReconcileWithoutNewFeaturesWritesOnlyRestore(t *testing.T) {
	root := newInstall(t)
	p := Preserver{}
	snap, _ := p.Snapshot(root)
	fresh, err := p.Reconcile(root, snap, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if fresh != nil {
		t.Fatalf("expected no newly enabled features, got %v", fresh)
	}
	data, _ := os.ReadFile(filepath.Join(root, "Game", "Bin", "anadius.cfg"))
	if string(data) != "// feature list\nDLC = EP01\n//DLC = EP02\n" {
		t.Fatalf("config changed: %q", data)
	}
}

func TestQueryAndApply(t *testing.T) {
	root := newInstall(t)
	p := Preserver{}
	if err := p.Apply(root, map[string]bool{"EP02": true}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	statuses, err := p.Query(root)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []Status{
		{ID: "EP01", Installed: true, Known: true, Enabled: false},
		{ID: "EP02", Installed: true, Known: true, Enabled: true},
	}
	if !reflect.DeepEqual(statuses, want) {
		t.Fatalf("statuses = %+v", statuses)
	}
}
