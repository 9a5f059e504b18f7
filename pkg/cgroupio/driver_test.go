package cgroupio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mkCgroup(t *testing.T, root, rel string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, rel)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestResolvePodCgroupTemplatedSystemdPath(t *testing.T) {
	root := t.TempDir()
	podID := "abc-123-def"
	sanitized := strings.ReplaceAll(podID, "-", "_")
	mkCgroup(t, root,
		filepath.Join("kubepods.slice", "kubepods-burstable.slice", "kubepods-burstable-pod"+sanitized+".slice"),
		map[string]string{WeightFile: "default 100\n"})

	d := New(root)
	path, err := d.ResolvePodCgroup(podID, false)
	if err != nil {
		t.Fatalf("ResolvePodCgroup: %v", err)
	}
	if !strings.Contains(path, "kubepods-burstable-pod"+sanitized+".slice") {
		t.Errorf("path = %s, want burstable slice path", path)
	}
}

func TestResolvePodCgroupCgroupfsPath(t *testing.T) {
	root := t.TempDir()
	podID := "uid-1"
	mkCgroup(t, root, filepath.Join("kubepods", "besteffort", "pod"+podID),
		map[string]string{WeightFile: "default 100\n"})

	d := New(root)
	path, err := d.ResolvePodCgroup(podID, false)
	if err != nil {
		t.Fatalf("ResolvePodCgroup: %v", err)
	}
	if !strings.HasSuffix(path, "pod"+podID) {
		t.Errorf("path = %s, want suffix pod%s", path, podID)
	}
}

func TestResolvePodCgroupFallsBackToDirectoryWalk(t *testing.T) {
	root := t.TempDir()
	podID := "walked-uid"
	// Not a templated path, but nested deep enough to need the walk.
	mkCgroup(t, root, filepath.Join("kubepods.slice", "custom", "weirdpod"+podID+".slice"),
		map[string]string{WeightFile: "default 100\n"})

	d := New(root)
	path, err := d.ResolvePodCgroup(podID, false)
	if err != nil {
		t.Fatalf("ResolvePodCgroup: %v", err)
	}
	if !strings.Contains(path, podID) {
		t.Errorf("path = %s, want to contain %s", path, podID)
	}
}

func TestResolvePodCgroupNotFound(t *testing.T) {
	root := t.TempDir()
	d := New(root)
	_, err := d.ResolvePodCgroup("nonexistent", false)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestApplyWeightWritesDefaultLine(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{WeightFile: "default 100\n"})

	d := New(root)
	result, err := d.ApplyWeight(dir, 750)
	if err != nil {
		t.Fatalf("ApplyWeight: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", result.Succeeded)
	}
	content, _ := os.ReadFile(filepath.Join(dir, WeightFile))
	if string(content) != "default 750\n" {
		t.Errorf("content = %q, want %q", content, "default 750\n")
	}
}

func TestApplyWeightIncludesContainerSubdirs(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{WeightFile: "default 100\n"})
	mkCgroup(t, root, "pod1/container1", map[string]string{WeightFile: "default 100\n"})

	d := New(root)
	result, err := d.ApplyWeight(dir, 600)
	if err != nil {
		t.Fatalf("ApplyWeight: %v", err)
	}
	if result.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2 (pod + container)", result.Succeeded)
	}
}

func TestApplyWeightNoTargetsWhenNoControlFile(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{})

	d := New(root)
	_, err := d.ApplyWeight(dir, 600)
	if err == nil {
		t.Fatal("expected error when no io.weight file exists")
	}
}

func TestApplyWeightIsIdempotent(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{WeightFile: "default 100\n"})
	d := New(root)

	if _, err := d.ApplyWeight(dir, 700); err != nil {
		t.Fatalf("first write: %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, WeightFile))

	if _, err := d.ApplyWeight(dir, 700); err != nil {
		t.Fatalf("second write: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, WeightFile))

	if string(first) != string(second) {
		t.Errorf("writes not byte-identical: %q vs %q", first, second)
	}
}

func TestApplyBandwidthCapPreservesOtherDeviceLines(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{
		MaxFile: "8:0 rbps=max wbps=max\n253:1 rbps=1000000 wbps=2000000\n",
	})

	d := New(root)
	_, err := d.ApplyBandwidthCap(dir, "253:1", "5000000", "6000000")
	if err != nil {
		t.Fatalf("ApplyBandwidthCap: %v", err)
	}

	content, _ := os.ReadFile(filepath.Join(dir, MaxFile))
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2 lines preserved", lines)
	}
	foundUnrelated, foundUpdated := false, false
	for _, l := range lines {
		if strings.HasPrefix(l, "8:0") {
			foundUnrelated = true
		}
		if l == "253:1 rbps=5000000 wbps=6000000" {
			foundUpdated = true
		}
	}
	if !foundUnrelated {
		t.Errorf("unrelated device line not preserved: %v", lines)
	}
	if !foundUpdated {
		t.Errorf("target device line not updated: %v", lines)
	}
}

func TestApplyBandwidthCapIdempotentOnTriple(t *testing.T) {
	root := t.TempDir()
	dir := mkCgroup(t, root, "pod1", map[string]string{MaxFile: "253:1 rbps=max wbps=max\n"})
	d := New(root)

	if _, err := d.ApplyBandwidthCap(dir, "253:1", "1000", "2000"); err != nil {
		t.Fatalf("first: %v", err)
	}
	first, _ := os.ReadFile(filepath.Join(dir, MaxFile))
	if _, err := d.ApplyBandwidthCap(dir, "253:1", "1000", "2000"); err != nil {
		t.Fatalf("second: %v", err)
	}
	second, _ := os.ReadFile(filepath.Join(dir, MaxFile))
	if string(first) != string(second) {
		t.Errorf("not idempotent: %q vs %q", first, second)
	}
}

func TestParseSI(t *testing.T) {
	cases := map[string]string{
		"max": "max",
		"":    "max",
		"100": "100",
		"1K":  "1024",
		"1M":  "1048576",
		"1G":  "1073741824",
	}
	for in, want := range cases {
		got, err := ParseSI(in)
		if err != nil {
			t.Fatalf("ParseSI(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseSI(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseSI("not-a-number"); err == nil {
		t.Error("expected error for invalid SI value")
	}
}
