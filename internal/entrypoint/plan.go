package entrypoint

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/boxentry/internal/appconfig"
)

// Mode is what the entrypoint does with the process identity before exec.
type Mode string

const (
	// ModePassthrough execs under the current identity unchanged.
	ModePassthrough Mode = "passthrough"
	// ModeDrop remaps the service user to the host identity and drops root.
	ModeDrop Mode = "drop"
	// ModeRegister makes an unknown non-root identity resolvable, then execs.
	ModeRegister Mode = "register"
)

// Identity is a numeric process identity.
type Identity struct {
	UID int
	GID int
}

// Plan is the decision taken for one process start.
type Plan struct {
	Mode     Mode
	Identity Identity
	// HostUID and HostGID are only meaningful when HostValid is true.
	HostUID   int
	HostGID   int
	HostValid bool
	HostIssue string
}

// Decide picks the mode from the current identity, the host identity
// variables and whether the current UID resolves to a passwd entry.
func Decide(id Identity, host appconfig.HostConfig, resolvable bool) Plan {
	plan := Plan{Mode: ModePassthrough, Identity: id}
	switch {
	case id.UID == 0 && host.Set():
		plan.Mode = ModeDrop
		uid, gid, err := parseHost(host)
		if err != nil {
			plan.HostIssue = err.Error()
			return plan
		}
		plan.HostUID, plan.HostGID, plan.HostValid = uid, gid, true
	case id.UID != 0 && !resolvable:
		plan.Mode = ModeRegister
	}
	return plan
}

func parseHost(host appconfig.HostConfig) (int, int, error) {
	uid, err := parseID("HOST_UID", host.UID)
	if err != nil {
		return 0, 0, err
	}
	gid, err := parseID("HOST_GID", host.HostGID())
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func parseID(name, raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not numeric", name, raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s=%d refused: must be a nonzero id", name, value)
	}
	return value, nil
}
