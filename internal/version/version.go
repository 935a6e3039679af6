// Package version reports the build version of boxentry.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/boxentry"

// buildVersion is set via -ldflags "-X pkt.systems/boxentry/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `yaml:"module"`
	Version   string `yaml:"version"`
	Revision  string `yaml:"revision,omitempty"`
	Time      string `yaml:"time,omitempty"`
	Dirty     bool   `yaml:"dirty,omitempty"`
	GoVersion string `yaml:"go_version,omitempty"`
}

// Get collects version details from ldflags and build info.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, ldflagsVersion string) Info {
	out := Info{Module: defaultModule}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.GoVersion = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				out.Time = setting.Value
			case "vcs.modified":
				out.Dirty = setting.Value == "true"
			}
		}
	}

	switch {
	case strings.TrimSpace(ldflagsVersion) != "":
		out.Version = strings.TrimSpace(ldflagsVersion)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSpace(info.Main.Version)
	default:
		out.Version = pseudoVersion(out.Revision, out.Time)
	}
	out.Version = strings.TrimSuffix(out.Version, "+dirty")
	return out
}

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(revision, vcsTime string) string {
	if revision == "" || vcsTime == "" {
		return "v0.0.0-unknown"
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
}
