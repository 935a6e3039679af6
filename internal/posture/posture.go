// Package posture runs the startup security checks of the entrypoint.
//
// Checks are evaluated once per process start, in a fixed order, and never
// short-circuit: any number of them may fire. A finding is advisory only and
// never blocks execution.
package posture

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"pkt.systems/boxentry/internal/logx"
)

// Check ids, in evaluation order.
const (
	CheckPrivileged       = "privileged"
	CheckDockerSocket     = "docker-socket"
	CheckHostFilesystem   = "host-filesystem"
	CheckHostPIDNamespace = "host-pid-namespace"
	CheckHostNetwork      = "host-network"
	CheckRawDevices       = "raw-devices"
	CheckRootNoDrop       = "root-no-drop"
)

// SeverityWarn is the only severity emitted today.
const SeverityWarn = "warn"

// Subject is the process identity the checks are evaluated for.
type Subject struct {
	UID        int
	HostUIDSet bool
}

// Finding is one fired check.
type Finding struct {
	ID       string            `yaml:"id"`
	Severity string            `yaml:"severity"`
	Message  string            `yaml:"message"`
	Evidence map[string]string `yaml:"evidence,omitempty"`
}

// Report collects the outcome of a check run.
type Report struct {
	Evaluated []string  `yaml:"evaluated"`
	Skipped   []string  `yaml:"skipped,omitempty"`
	Findings  []Finding `yaml:"findings"`
}

// Fired reports whether the check with the given id produced a finding.
func (r Report) Fired(id string) bool {
	for _, f := range r.Findings {
		if f.ID == id {
			return true
		}
	}
	return false
}

type detectFunc func(h *Host, s Subject) (bool, map[string]string)

type check struct {
	id      string
	message string
	detect  detectFunc
}

var checks = []check{
	{
		id:      CheckPrivileged,
		message: "container is running privileged: every capability is effective",
		detect:  detectPrivileged,
	},
	{
		id:      CheckDockerSocket,
		message: "docker.sock is mounted: the container runtime API is an escape vector",
		detect:  detectDockerSocket,
	},
	{
		id:      CheckHostFilesystem,
		message: "host filesystem access detected",
		detect:  detectHostFilesystem,
	},
	{
		id:      CheckHostPIDNamespace,
		message: "PID namespace is shared with the host",
		detect:  detectHostPIDNamespace,
	},
	{
		id:      CheckHostNetwork,
		message: "network namespace is shared with the host",
		detect:  detectHostNetwork,
	},
	{
		id:      CheckRawDevices,
		message: "raw device access detected",
		detect:  detectRawDevices,
	},
	{
		id:      CheckRootNoDrop,
		message: "running as root without HOST_UID: privileges will not be dropped",
		detect:  detectRootNoDrop,
	},
}

// IDs returns every check id in evaluation order.
func IDs() []string {
	out := make([]string, 0, len(checks))
	for _, c := range checks {
		out = append(out, c.id)
	}
	return out
}

// Evaluate runs every enabled check against the host and logs each finding
// as a warning on the context logger.
func Evaluate(ctx context.Context, h *Host, s Subject, disabled []string) Report {
	log := logx.WithStep(ctx, "posture")
	report := Report{Findings: []Finding{}}
	for _, c := range checks {
		if slices.Contains(disabled, c.id) {
			report.Skipped = append(report.Skipped, c.id)
			continue
		}
		report.Evaluated = append(report.Evaluated, c.id)
		fired, evidence := c.detect(h, s)
		if !fired {
			log.Trace("check clear", "check", c.id)
			continue
		}
		report.Findings = append(report.Findings, Finding{
			ID:       c.id,
			Severity: SeverityWarn,
			Message:  c.message,
			Evidence: evidence,
		})
		fields := make([]any, 0, 2*len(evidence))
		for _, key := range sortedKeys(evidence) {
			fields = append(fields, key, evidence[key])
		}
		logx.WithCheck(log, c.id).Warn(c.message, fields...)
	}
	return report
}

func detectPrivileged(h *Host, _ Subject) (bool, map[string]string) {
	status, err := h.readFile("/proc/self/status")
	if err != nil {
		return false, nil
	}
	eff, err := parseCapEff(status)
	if err != nil {
		return false, nil
	}
	lastCap := parseLastCap(nil)
	if raw, err := h.readFile("/proc/sys/kernel/cap_last_cap"); err == nil {
		lastCap = parseLastCap(raw)
	}
	if !fullyPrivileged(eff, lastCap) {
		return false, nil
	}
	return true, map[string]string{
		"cap_eff":  fmt.Sprintf("%016x", eff),
		"last_cap": strconv.Itoa(lastCap),
		"userns":   strconv.FormatBool(h.inUserNS()),
	}
}

func detectDockerSocket(h *Host, _ Subject) (bool, map[string]string) {
	path := h.cfg.DockerSocket
	if path == "" || !h.isSocket(path) {
		return false, nil
	}
	return true, map[string]string{"path": path}
}

func detectHostFilesystem(h *Host, _ Subject) (bool, map[string]string) {
	evidence := map[string]string{}
	if marker := h.cfg.HostMarker; marker != "" && h.exists(marker) {
		evidence["marker"] = marker
		if mounted, err := h.mounted(marker); err == nil {
			evidence["mounted"] = strconv.FormatBool(mounted)
		}
	}
	for _, path := range h.cfg.SensitiveFiles {
		if path != "" && h.exists(path) && h.writable(path) {
			evidence["writable"] = path
			break
		}
	}
	return len(evidence) > 0, nilIfEmpty(evidence)
}

func detectHostPIDNamespace(h *Host, _ Subject) (bool, map[string]string) {
	raw, err := h.readFile("/proc/1/cmdline")
	if err != nil {
		return false, nil
	}
	name, ok := hostInit(raw, h.cfg.HostInitNames)
	if !ok {
		return false, nil
	}
	return true, map[string]string{"init": name}
}

func detectHostNetwork(h *Host, _ Subject) (bool, map[string]string) {
	path := h.cfg.NetBridge
	if path == "" || !h.exists(path) {
		return false, nil
	}
	return true, map[string]string{"interface": path}
}

func detectRawDevices(h *Host, _ Subject) (bool, map[string]string) {
	for _, path := range h.cfg.RawDevices {
		if path != "" && h.isDevice(path) {
			return true, map[string]string{"device": path}
		}
	}
	return false, nil
}

func detectRootNoDrop(_ *Host, s Subject) (bool, map[string]string) {
	if s.UID != 0 || s.HostUIDSet {
		return false, nil
	}
	return true, nil
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
