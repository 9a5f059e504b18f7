package device

import (
	"strings"
	"testing"
)

func TestParseMountsFieldMatchesMountPoint(t *testing.T) {
	mounts := `overlay / overlay rw,relatime 0 0
/dev/sda1 /data ext4 rw,relatime 0 0
tmpfs /run tmpfs rw,nosuid,size=100M 0 0
`
	field, err := parseMountsField(strings.NewReader(mounts), "/data")
	if err != nil {
		t.Fatalf("parseMountsField: %v", err)
	}
	if field != "/dev/sda1" {
		t.Errorf("field = %q, want /dev/sda1", field)
	}
}

func TestParseMountsFieldAlreadyMajorMinor(t *testing.T) {
	// mountinfo-style tables (unlike /proc/mounts) may already carry
	// the major:minor pair directly in the device field.
	mounts := `253:1 /data ext4 rw,relatime 0 0
`
	field, err := parseMountsField(strings.NewReader(mounts), "/data")
	if err != nil {
		t.Fatalf("parseMountsField: %v", err)
	}
	if !majorMinorPattern.MatchString(field) {
		t.Errorf("field = %q, expected to already match major:minor", field)
	}
}

func TestParseMountsFieldNoMatch(t *testing.T) {
	_, err := parseMountsField(strings.NewReader("overlay / overlay rw 0 0\n"), "/data")
	if err == nil {
		t.Fatal("expected error for unmatched mount path")
	}
}

func TestParsePartitionsFindsDeviceByName(t *testing.T) {
	partitions := `major minor  #blocks  name

   8        0  104857600 sda
   8        1  104856576 sda1
 253        1   52428800 dm-1
`
	id, err := parsePartitions(strings.NewReader(partitions), "sda1")
	if err != nil {
		t.Fatalf("parsePartitions: %v", err)
	}
	if id != "8:1" {
		t.Errorf("id = %s, want 8:1", id)
	}
}

func TestParsePartitionsNoMatch(t *testing.T) {
	_, err := parsePartitions(strings.NewReader("major minor  #blocks  name\n"), "sdz9")
	if err == nil {
		t.Fatal("expected error for unmatched device name")
	}
}
