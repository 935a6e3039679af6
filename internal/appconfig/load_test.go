package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HOST_UID", "")
	t.Setenv("HOST_GID", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.User != "jerred" {
		t.Fatalf("expected default service user, got %q", cfg.Service.User)
	}
	if cfg.Host.Set() {
		t.Fatalf("expected host uid to be unset, got %+v", cfg.Host)
	}
	if cfg.Accounts.Passwd != "/etc/passwd" || cfg.Accounts.Group != "/etc/group" {
		t.Fatalf("unexpected accounts defaults: %+v", cfg.Accounts)
	}
	if len(cfg.Checks.RawDevices) != 3 {
		t.Fatalf("expected default raw devices, got %v", cfg.Checks.RawDevices)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestLoadHostIdentityFromEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HOST_UID", "1000")
	t.Setenv("HOST_GID", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Host.Set() || cfg.Host.UID != "1000" {
		t.Fatalf("expected host uid 1000, got %+v", cfg.Host)
	}
	if got := cfg.Host.HostGID(); got != "1000" {
		t.Fatalf("expected host gid to default to uid, got %q", got)
	}
}

func TestLoadFileOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("HOST_UID", "")
	t.Setenv("HOST_GID", "")
	t.Setenv("FAKE_ROOT", "/tmp/fakeroot")
	path := writeConfig(t, `
config_version: 1
service:
  user: dev
  shell: /bin/zsh
checks:
  root: $FAKE_ROOT
  disabled: [raw-devices]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.User != "dev" || cfg.Service.Shell != "/bin/zsh" {
		t.Fatalf("unexpected service config: %+v", cfg.Service)
	}
	if cfg.Service.ServiceHome() != "/home/dev" || cfg.Service.ServiceGroup() != "dev" {
		t.Fatalf("unexpected derived service values: %q %q", cfg.Service.ServiceHome(), cfg.Service.ServiceGroup())
	}
	if cfg.Checks.Root != "/tmp/fakeroot" {
		t.Fatalf("expected expanded checks root, got %q", cfg.Checks.Root)
	}
	if len(cfg.Checks.Disabled) != 1 || cfg.Checks.Disabled[0] != "raw-devices" {
		t.Fatalf("unexpected disabled checks: %v", cfg.Checks.Disabled)
	}
	if cfg.Checks.DockerSocket != "/var/run/docker.sock" {
		t.Fatalf("expected default docker socket to survive, got %q", cfg.Checks.DockerSocket)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 7
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
service:
  user: dev
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected missing config_version error, got %v", err)
	}
}

func TestLoadRejectsRelativeChecksRoot(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
checks:
  root: relative/root
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "checks.root") {
		t.Fatalf("expected checks.root error, got %v", err)
	}
}

func TestLoadEnvPrefixOverride(t *testing.T) {
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("BOXENTRY_SERVICE_USER", "builder")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.User != "builder" {
		t.Fatalf("expected env override, got %q", cfg.Service.User)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	t.Setenv("HOST_UID", "")
	t.Setenv("HOST_GID", "")
	path := filepath.Join(t.TempDir(), "boxentry", "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected %q, got %q", path, written)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.Trust.Command != DefaultConfig().Trust.Command {
		t.Fatalf("unexpected trust command %q", cfg.Trust.Command)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
