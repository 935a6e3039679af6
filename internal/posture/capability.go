package posture

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseCapEff extracts the effective capability set from a /proc/<pid>/status blob.
func parseCapEff(status []byte) (uint64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		line := scanner.Text()
		value, ok := strings.CutPrefix(line, "CapEff:")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		mask, err := strconv.ParseUint(value, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse CapEff %q: %w", value, err)
		}
		return mask, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("CapEff not found")
}

// parseLastCap parses /proc/sys/kernel/cap_last_cap, falling back to the
// highest capability known at build time.
func parseLastCap(raw []byte) int {
	value, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || value < 0 {
		return unix.CAP_LAST_CAP
	}
	return value
}

// fullCapMask returns the bitmask with every capability up to lastCap set.
func fullCapMask(lastCap int) uint64 {
	if lastCap >= 63 {
		return ^uint64(0)
	}
	if lastCap < 0 {
		return 0
	}
	return (uint64(1) << uint(lastCap+1)) - 1
}

// knownLastCap caps the kernel's last capability at the highest one this
// build knows. Runtimes that lag the kernel grant only the caps they know.
func knownLastCap(lastCap int) int {
	return min(lastCap, unix.CAP_LAST_CAP)
}

// fullyPrivileged reports whether every known capability is effective.
func fullyPrivileged(eff uint64, lastCap int) bool {
	full := fullCapMask(knownLastCap(lastCap))
	return full != 0 && eff&full == full
}
