// Package hardware answers questions about the device the backend runs on.
package hardware

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultVendorPath = "/sys/class/dmi/id/sys_vendor"
	DefaultMountsPath = "/proc/self/mounts"
)

// rootTargets are checked in order before falling back to the first
// device-backed mount in the table.
var rootTargets = []string{"/", "/home", "/home/deck"}

// Inspector reads hardware facts from sysfs and procfs. Zero-value paths
// fall back to the defaults.
type Inspector struct {
	VendorPath string
	MountsPath string
}

// SysVendor returns the DMI system vendor with surrounding whitespace removed.
func (i Inspector) SysVendor() (string, error) {
	path := i.VendorPath
	if path == "" {
		path = DefaultVendorPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// IsEMMC reports whether the root or home filesystem lives on an eMMC device.
func (i Inspector) IsEMMC() (bool, error) {
	path := i.MountsPath
	if path == "" {
		path = DefaultMountsPath
	}

	mounts, err := ReadMounts(path)
	if err != nil {
		return false, err
	}
	return OnEMMC(mounts), nil
}

// OnEMMC applies the eMMC rule to a parsed mount table. The first of /,
// /home and /home/deck backed by a /dev/ source decides; otherwise the first
// /dev/ mount in table order does.
func OnEMMC(mounts []Mount) bool {
	for _, target := range rootTargets {
		for _, m := range mounts {
			if m.Target == target && strings.HasPrefix(m.Source, "/dev/") {
				return IsEMMCDevice(m.Source)
			}
		}
	}

	for _, m := range mounts {
		if strings.HasPrefix(m.Source, "/dev/") {
			return IsEMMCDevice(m.Source)
		}
	}
	return false
}

// IsEMMCDevice reports whether a block device path names an MMC device or one
// of its partitions.
func IsEMMCDevice(source string) bool {
	return strings.HasPrefix(filepath.Base(source), "mmcblk")
}
