// Package cgroupio resolves a pod identity to its cgroup v2 directory
// and applies I/O control policy (proportional weight or bandwidth cap)
// to the control files found there.
package cgroupio

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const (
	WeightFile = "io.weight"
	MaxFile    = "io.max"

	// walkMaxDepth and walkMaxEntries bound the fallback directory walk
	// so a pathologically large cgroup hierarchy cannot stall a tick.
	walkMaxDepth   = 6
	walkMaxEntries = 20000
)

// ErrNotFound is returned by ResolvePodCgroup when no cgroup directory
// for the pod could be located by any strategy.
var ErrNotFound = fmt.Errorf("cgroup: pod cgroup not found")

// Driver resolves pod cgroups under a configured root and writes I/O
// control files. It holds no state: every call re-resolves the path,
// per the no-long-lived-cache design this controller follows for
// anything that can drift from the live container runtime.
type Driver struct {
	root string
}

// New returns a Driver rooted at the given cgroup v2 mount point
// (typically /sys/fs/cgroup).
func New(root string) *Driver {
	return &Driver{root: root}
}

// ValidateRoot fails fast at startup if the configured root does not
// look like a cgroup v2 hierarchy with a kubepods slice underneath it.
func (d *Driver) ValidateRoot() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("cannot read cgroup root %s: %w", d.root, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "kubepods") {
			return nil
		}
	}
	return fmt.Errorf("no kubepods hierarchy found under %s", d.root)
}

// qosClasses enumerates the slice names used by both the systemd and
// cgroupfs cgroup drivers, in the order the kubelet tries them.
var qosClasses = []string{"guaranteed", "burstable", "besteffort"}

// controlFileFor returns the control file name this driver writes for
// a given policy: io.weight in weight mode, io.max in bandwidth mode.
func controlFileFor(bandwidth bool) string {
	if bandwidth {
		return MaxFile
	}
	return WeightFile
}

// ResolvePodCgroup locates the cgroup v2 directory for podID (the pod's
// UID), trying templated QoS paths first, then a bounded directory
// walk. It returns the first directory that exists and contains
// controlFile. No /proc/<pid>/cgroup scan is made: a pod that neither
// strategy finds is reported as ErrNotFound.
func (d *Driver) ResolvePodCgroup(podID string, bandwidth bool) (string, error) {
	controlFile := controlFileFor(bandwidth)

	if path, ok := d.tryTemplatedPaths(podID, controlFile); ok {
		return path, nil
	}
	if path, ok := d.tryDirectoryWalk(podID, controlFile); ok {
		return path, nil
	}
	return "", ErrNotFound
}

// tryTemplatedPaths builds the fixed set of systemd-slice and cgroupfs
// paths for every QoS class and returns the first one that exists and
// carries controlFile.
func (d *Driver) tryTemplatedPaths(podID, controlFile string) (string, bool) {
	sanitized := strings.ReplaceAll(podID, "-", "_")

	var candidates []string
	for _, qos := range qosClasses {
		candidates = append(candidates,
			filepath.Join(d.root, "kubepods.slice",
				fmt.Sprintf("kubepods-%s.slice", qos),
				fmt.Sprintf("kubepods-%s-pod%s.slice", qos, sanitized)),
			filepath.Join(d.root, "kubepods", qos, "pod"+podID),
		)
	}
	// Top-level (no QoS subdirectory) layouts some distributions use.
	candidates = append(candidates,
		filepath.Join(d.root, "kubepods.slice", fmt.Sprintf("kubepods-pod%s.slice", sanitized)),
		filepath.Join(d.root, "kubepods", "pod"+podID),
	)

	for _, dir := range candidates {
		if hasControlFile(dir, controlFile) {
			return dir, true
		}
	}
	return "", false
}

// tryDirectoryWalk falls back to a bounded recursive walk of the cgroup
// root looking for a directory whose basename contains "pod<id>". Depth
// and total entries inspected are capped to bound worst-case latency on
// large hierarchies.
func (d *Driver) tryDirectoryWalk(podID, controlFile string) (string, bool) {
	needle := "pod" + strings.ReplaceAll(podID, "-", "_")
	needleDashed := "pod" + podID
	var found string
	entriesSeen := 0

	_ = filepath.WalkDir(d.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil // tolerate transient stat failures, keep walking
		}
		if found != "" {
			return filepath.SkipAll
		}
		entriesSeen++
		if entriesSeen > walkMaxEntries {
			return filepath.SkipAll
		}
		if !entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(d.root, path)
		if relErr == nil && strings.Count(rel, string(filepath.Separator)) > walkMaxDepth {
			return filepath.SkipDir
		}
		name := entry.Name()
		if strings.Contains(name, needle) || strings.Contains(name, needleDashed) {
			if hasControlFile(path, controlFile) {
				found = path
				return filepath.SkipAll
			}
		}
		return nil
	})

	return found, found != ""
}

// hasControlFile reports whether dir exists and contains controlFile,
// without following symlinks out of the cgroup root.
func hasControlFile(dir, controlFile string) bool {
	info, err := os.Lstat(dir)
	if err != nil || info.Mode()&os.ModeSymlink != 0 {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, controlFile))
	return err == nil
}

// ContainerCgroups returns the immediate subdirectories of podCgroup that
// also carry controlFile, i.e. the per-container cgroups nested under
// a pod's cgroup.
func (d *Driver) ContainerCgroups(podCgroup string, bandwidth bool) ([]string, error) {
	controlFile := controlFileFor(bandwidth)
	entries, err := os.ReadDir(podCgroup)
	if err != nil {
		return nil, fmt.Errorf("read pod cgroup dir %s: %w", podCgroup, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(podCgroup, e.Name())
		if hasControlFile(sub, controlFile) {
			dirs = append(dirs, sub)
		}
	}
	return dirs, nil
}

// WriteResult tallies the outcome of writing a control file to a pod
// cgroup and any nested container cgroups.
type WriteResult struct {
	Succeeded int
	Failed    int
	Kind      string // classification of the last failure encountered, if any
}

// ApplyWeight writes `default <weight>\n` to io.weight at podCgroup and
// every nested per-container cgroup that also has an io.weight file.
// Partial success (at least one write) is reported as success, with
// the per-file tally in the result. If no file is written, it returns
// an error and result.Kind is "no_targets" (no io.weight present) or
// the classification of the failed write.
func (d *Driver) ApplyWeight(podCgroup string, weight int) (WriteResult, error) {
	targets := []string{podCgroup}
	if nested, err := d.ContainerCgroups(podCgroup, false); err == nil {
		targets = append(targets, nested...)
	}

	var result WriteResult
	line := []byte(fmt.Sprintf("default %d\n", weight))

	for _, dir := range targets {
		path := filepath.Join(dir, WeightFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.WriteFile(path, line, 0644); err != nil {
			result.Failed++
			result.Kind = classifyWriteError(err)
			klog.V(2).InfoS("io.weight write failed", "path", path, "error", err)
			continue
		}
		result.Succeeded++
	}

	if result.Succeeded == 0 {
		if result.Kind == "" {
			result.Kind = "no_targets"
		}
		return result, fmt.Errorf("apply weight: no control files written under %s: %s", podCgroup, result.Kind)
	}
	return result, nil
}

// ApplyBandwidthCap rewrites io.max at podCgroup (and nested container
// cgroups) so the line for device carries the given rbps/wbps, leaving
// every other device's line untouched.
func (d *Driver) ApplyBandwidthCap(podCgroup string, device, rbps, wbps string) (WriteResult, error) {
	targets := []string{podCgroup}
	if nested, err := d.ContainerCgroups(podCgroup, true); err == nil {
		targets = append(targets, nested...)
	}

	var result WriteResult
	for _, dir := range targets {
		path := filepath.Join(dir, MaxFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := rewriteIOMax(path, device, rbps, wbps); err != nil {
			result.Failed++
			result.Kind = classifyWriteError(err)
			klog.V(2).InfoS("io.max write failed", "path", path, "error", err)
			continue
		}
		result.Succeeded++
	}

	if result.Succeeded == 0 {
		if result.Kind == "" {
			result.Kind = "no_targets"
		}
		return result, fmt.Errorf("apply bandwidth cap: no control files written under %s: %s", podCgroup, result.Kind)
	}
	return result, nil
}

// rewriteIOMax replaces the line for device in an io.max file, keeping
// every other device's line verbatim, and writes it back atomically via
// a temp-file-plus-rename in the same directory.
func rewriteIOMax(path, device, rbps, wbps string) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var kept []string
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == device {
			continue // dropped; replaced below
		}
		kept = append(kept, line)
	}
	kept = append(kept, fmt.Sprintf("%s rbps=%s wbps=%s", device, rbps, wbps))

	content := strings.Join(kept, "\n") + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// classifyWriteError maps a filesystem write failure to one of the
// error kinds named in the error-handling design.
func classifyWriteError(err error) string {
	if os.IsPermission(err) {
		return "permission_denied"
	}
	if os.IsNotExist(err) {
		return "cgroup_not_found"
	}
	return "io_weight_write"
}

// ParseSI converts a value that is either "max" or a decimal integer
// optionally suffixed K/M/G into the literal string io.max expects.
// It validates the input and is used by callers translating configured
// bandwidth limits into the exact bytes written to the kernel.
func ParseSI(v string) (string, error) {
	if v == "" || v == "max" {
		return "max", nil
	}
	suffixes := map[byte]int64{'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30}
	last := v[len(v)-1]
	if mult, ok := suffixes[last]; ok {
		n, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse SI value %q: %w", v, err)
		}
		return strconv.FormatInt(n*mult, 10), nil
	}
	if _, err := strconv.ParseInt(v, 10, 64); err != nil {
		return "", fmt.Errorf("parse SI value %q: %w", v, err)
	}
	return v, nil
}

// Policy is the back-end strategy the control loop dispatches to a pod's
// cgroup: either a proportional weight or a bandwidth cap. It is the
// tagged-variant split between the two cgroup v2 controllers this
// package knows how to drive.
type Policy interface {
	apply(d *Driver, podCgroup string) (WriteResult, error)
}

// WeightPolicy sets io.weight to Weight on a pod (and its container)
// cgroups.
type WeightPolicy struct {
	Weight int
}

func (p WeightPolicy) apply(d *Driver, podCgroup string) (WriteResult, error) {
	return d.ApplyWeight(podCgroup, p.Weight)
}

// BandwidthPolicy caps io.max's read/write bytes-per-second for Device
// on a pod (and its container) cgroups. RBPS/WBPS are literal io.max
// values ("max" or a decimal byte count); use ParseSI to build them.
type BandwidthPolicy struct {
	Device string
	RBPS   string
	WBPS   string
}

func (p BandwidthPolicy) apply(d *Driver, podCgroup string) (WriteResult, error) {
	return d.ApplyBandwidthCap(podCgroup, p.Device, p.RBPS, p.WBPS)
}

// Apply resolves podID's cgroup (retrying transient absence) and
// dispatches policy to it.
func (d *Driver) Apply(podID string, policy Policy) (WriteResult, error) {
	bandwidth := false
	if _, ok := policy.(BandwidthPolicy); ok {
		bandwidth = true
	}
	path, err := d.ResolvePodCgroupWithRetry(podID, bandwidth)
	if err != nil {
		return WriteResult{}, err
	}
	return policy.apply(d, path)
}

// backoffDurations is the bounded retry schedule used by callers that
// wrap ResolvePodCgroup to tolerate pod start/stop races.
var backoffDurations = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}

// ResolvePodCgroupWithRetry retries ResolvePodCgroup across the fixed
// backoff schedule above; only ErrNotFound is retried; any other error
// (e.g. a permission problem on the root itself) is returned immediately.
func (d *Driver) ResolvePodCgroupWithRetry(podID string, bandwidth bool) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		path, err := d.ResolvePodCgroup(podID, bandwidth)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if err != ErrNotFound || attempt >= len(backoffDurations) {
			return "", lastErr
		}
		time.Sleep(backoffDurations[attempt])
	}
}
