// Package device resolves a host mount path to a major:minor block
// device identifier, used only when the controller runs in bandwidth-
// cap mode.
package device

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ID is a major:minor pair encoded the way io.max expects it.
type ID string

var majorMinorPattern = regexp.MustCompile(`^\d+:\d+$`)

const negativeCacheTTL = 30 * time.Second

type cacheEntry struct {
	id      ID
	err     error
	expires time.Time
}

// Resolver maps mount paths to device ids, caching negative results for
// a short TTL so a persistently missing mount does not re-walk
// /proc/mounts and /proc/partitions on every call.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Resolver.
func New() *Resolver {
	return &Resolver{cache: make(map[string]cacheEntry)}
}

// Resolve returns the major:minor device id backing mountPath.
func (r *Resolver) Resolve(mountPath string) (ID, error) {
	r.mu.Lock()
	if entry, ok := r.cache[mountPath]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.id, entry.err
	}
	r.mu.Unlock()

	id, err := resolve(mountPath)

	r.mu.Lock()
	r.cache[mountPath] = cacheEntry{id: id, err: err, expires: time.Now().Add(negativeCacheTTL)}
	r.mu.Unlock()

	return id, err
}

func resolve(mountPath string) (ID, error) {
	field, err := findDeviceField(mountPath)
	if err != nil {
		return "", err
	}

	if majorMinorPattern.MatchString(field) {
		return ID(field), nil
	}

	return resolveDeviceNode(field)
}

// findDeviceField scans /proc/mounts for the entry whose mount point
// matches mountPath and returns its device field. That field is either
// already "major:minor" (the mountinfo-style fast path) or a device-node
// path/basename to resolve further.
func findDeviceField(mountPath string) (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer f.Close()
	return parseMountsField(f, mountPath)
}

// parseMountsField scans an /proc/mounts-formatted stream for the entry
// whose mount point matches mountPath and returns its device field.
func parseMountsField(r io.Reader, mountPath string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[1] == mountPath {
			return fields[0], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan /proc/mounts: %w", err)
	}
	return "", fmt.Errorf("no mount entry for %s", mountPath)
}

// resolveDeviceNode treats field as a device-node path (absolute, or a
// basename under /dev) and resolves it to major:minor, falling back to
// /proc/partitions when the node itself is absent.
func resolveDeviceNode(field string) (ID, error) {
	devicePath := field
	if !filepath.IsAbs(devicePath) {
		devicePath = filepath.Join("/dev", devicePath)
	}

	realPath, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		// Device node missing: fall back to a name match in /proc/partitions.
		return resolveFromPartitions(filepath.Base(devicePath))
	}

	info, err := os.Stat(realPath)
	if err != nil {
		return resolveFromPartitions(filepath.Base(realPath))
	}
	if info.Mode()&os.ModeDevice == 0 {
		return "", fmt.Errorf("%s is not a block device", realPath)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("cannot stat rdev for %s", realPath)
	}

	// unix.Major/Minor decode the glibc-style split bits, not a flat
	// single-byte shift: a plain (rdev>>8)&0xff misreads any major above
	// 255, which includes NVMe's major 259.
	rdev := uint64(stat.Rdev)
	major := unix.Major(rdev)
	minor := unix.Minor(rdev)
	return ID(fmt.Sprintf("%d:%d", major, minor)), nil
}

// resolveFromPartitions scans /proc/partitions for a device named
// deviceName and returns its major:minor pair.
func resolveFromPartitions(deviceName string) (ID, error) {
	f, err := os.Open("/proc/partitions")
	if err != nil {
		return "", fmt.Errorf("open /proc/partitions: %w", err)
	}
	defer f.Close()
	return parsePartitions(f, deviceName)
}

// parsePartitions scans an /proc/partitions-formatted stream for a
// device named deviceName and returns its major:minor pair.
func parsePartitions(r io.Reader, deviceName string) (ID, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[3] == deviceName {
			return ID(fmt.Sprintf("%s:%s", fields[0], fields[1])), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan /proc/partitions: %w", err)
	}
	return "", fmt.Errorf("device %s not found in /proc/partitions", deviceName)
}
