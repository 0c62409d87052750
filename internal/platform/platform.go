// Package platform answers the few host questions the relay cares about:
// which OS flavour it runs on and whether file watching can be trusted
// for the hooks directory.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform, caching the result.
func Detect() Platform {
	detectOnce.Do(func() {
		procVersion, _ := os.ReadFile("/proc/version")
		detected = detectFrom(runtime.GOOS, string(procVersion), os.Getenv("WSL_DISTRO_NAME") != "")
	})
	return detected
}

func detectFrom(goos, procVersion string, wslEnv bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "linux":
	default:
		return PlatformUnknown
	}

	if !wslEnv && !strings.Contains(strings.ToLower(procVersion), "microsoft") {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	default:
		return "Unknown"
	}
}

// MountType returns the filesystem type of the mount holding path, given
// the contents of /proc/mounts. The longest matching mount point wins.
func MountType(path, mounts string) string {
	var matchedMount, matchedType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !underMount(path, mountPoint) {
			continue
		}
		if len(mountPoint) > len(matchedMount) {
			matchedMount, matchedType = mountPoint, fsType
		}
	}
	return matchedType
}

func underMount(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountPoint, "/")+"/")
}

// unreliableWatchReason explains why fsnotify cannot be trusted on fsType,
// or returns "" when it can.
func unreliableWatchReason(fsType string) string {
	switch {
	case fsType == "9p":
		return "9p mount (WSL2 Windows filesystem)"
	case fsType == "drvfs":
		return "drvfs mount (WSL Windows filesystem)"
	case fsType == "nfs" || fsType == "nfs4":
		return "NFS mount"
	case fsType == "cifs" || fsType == "smbfs" || fsType == "smb3":
		return "CIFS/SMB mount"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "SSHFS mount"
	}
	return ""
}

// CheckFsnotifySupport reports why file events under path may be missed,
// or "" when fsnotify should work normally.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return unreliableWatchReason(MountType(absPath, string(mounts)))
}
