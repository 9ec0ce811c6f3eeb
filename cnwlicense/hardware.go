package cnwlicense

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// machineIDPaths are checked in order; the second exists on older
// distributions that predate systemd.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns the operating system's stable machine identifier, or an
// empty string where there is none (non-Linux hosts, minimal containers).
func MachineID() string {
	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	return ""
}

// SystemInfo describes this machine for the activation record. The server
// stores it as-is; it plays no part in the fingerprint.
func SystemInfo() map[string]string {
	info := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       strconv.Itoa(runtime.NumCPU()),
		"go_version": runtime.Version(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}
	return info
}
