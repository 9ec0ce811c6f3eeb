package cnwlicense

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
)

// FingerprintEnv overrides GenerateFingerprint entirely when set.
const FingerprintEnv = "CNW_FINGERPRINT"

// GenerateFingerprint produces a deterministic, reboot-safe machine
// identifier: the SHA-256 hex of hostname, MAC addresses, OS, architecture
// and machine-id.
//
// In containers without stable MAC addresses the hash falls back to the
// remaining parts. Pods should set a stable HOSTNAME or use CNW_FINGERPRINT.
func GenerateFingerprint() (string, error) {
	if fp := os.Getenv(FingerprintEnv); fp != "" {
		return fp, nil
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	parts := []string{hostname}

	// Best-effort.
	if macs, err := hardwareAddrs(); err == nil {
		parts = append(parts, macs...)
	}
	parts = append(parts, runtime.GOOS, runtime.GOARCH)
	if id := MachineID(); id != "" {
		parts = append(parts, id)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// hardwareAddrs returns sorted, non-loopback MAC addresses.
func hardwareAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			macs = append(macs, mac)
		}
	}
	sort.Strings(macs)
	return macs, nil
}
