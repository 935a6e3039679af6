package appconfig

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the top-level entrypoint configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Service       ServiceConfig   `mapstructure:"service" yaml:"service"`
	Host          HostConfig      `mapstructure:"host" yaml:"host"`
	Ownership     OwnershipConfig `mapstructure:"ownership" yaml:"ownership"`
	Checks        ChecksConfig    `mapstructure:"checks" yaml:"checks"`
	Accounts      AccountsConfig  `mapstructure:"accounts" yaml:"accounts"`
	Trust         TrustConfig     `mapstructure:"trust" yaml:"trust"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ConfigPathEnv names the environment variable that overrides the config path.
const ConfigPathEnv = "BOXENTRY_CONFIG"

// ServiceConfig describes the container-internal service user.
type ServiceConfig struct {
	User  string `mapstructure:"user" yaml:"user"`
	Group string `mapstructure:"group" yaml:"group"`
	Home  string `mapstructure:"home" yaml:"home"`
	Shell string `mapstructure:"shell" yaml:"shell"`
}

// HostConfig carries the invoking host identity. Values are kept raw so a
// malformed HOST_UID can be reported instead of failing the load.
type HostConfig struct {
	UID string `mapstructure:"uid" yaml:"uid,omitempty"`
	GID string `mapstructure:"gid" yaml:"gid,omitempty"`
}

// OwnershipConfig lists the trees handed to the remapped user.
type OwnershipConfig struct {
	SharedPrefix string   `mapstructure:"shared_prefix" yaml:"shared_prefix"`
	CacheDirs    []string `mapstructure:"cache_dirs" yaml:"cache_dirs"`
}

// ChecksConfig controls the startup security checks.
type ChecksConfig struct {
	Root           string   `mapstructure:"root" yaml:"root"`
	Disabled       []string `mapstructure:"disabled" yaml:"disabled"`
	DockerSocket   string   `mapstructure:"docker_socket" yaml:"docker_socket"`
	HostMarker     string   `mapstructure:"host_marker" yaml:"host_marker"`
	SensitiveFiles []string `mapstructure:"sensitive_files" yaml:"sensitive_files"`
	NetBridge      string   `mapstructure:"net_bridge" yaml:"net_bridge"`
	RawDevices     []string `mapstructure:"raw_devices" yaml:"raw_devices"`
	HostInitNames  []string `mapstructure:"host_init_names" yaml:"host_init_names"`
}

// AccountsConfig points at the user database files.
type AccountsConfig struct {
	Passwd        string `mapstructure:"passwd" yaml:"passwd"`
	Group         string `mapstructure:"group" yaml:"group"`
	LockTimeoutMS int    `mapstructure:"lock_timeout_ms" yaml:"lock_timeout_ms"`
}

// TrustConfig controls the version-manager trust step.
type TrustConfig struct {
	Command        string `mapstructure:"command" yaml:"command"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns a config with the image defaults.
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Service: ServiceConfig{
			User:  "jerred",
			Group: "",
			Home:  "",
			Shell: "/bin/bash",
		},
		Ownership: OwnershipConfig{
			SharedPrefix: "/usr/local/share/mise",
			CacheDirs: []string{
				".cache",
				".npm",
				".bun/install/cache",
				".cargo/registry",
				".cargo/git",
				".rustup",
				"go/pkg/mod",
				".local/share/pnpm",
				".local/share/mise",
				".m2/repository",
				".gradle/caches",
			},
		},
		Checks: ChecksConfig{
			Root:           "/",
			Disabled:       []string{},
			DockerSocket:   "/var/run/docker.sock",
			HostMarker:     "/host",
			SensitiveFiles: []string{"/etc/shadow"},
			NetBridge:      "/sys/class/net/docker0",
			RawDevices:     []string{"/dev/sda", "/dev/nvme0", "/dev/mem"},
			HostInitNames:  []string{"systemd", "init", "upstart", "openrc-init", "runit"},
		},
		Accounts: AccountsConfig{
			Passwd:        "/etc/passwd",
			Group:         "/etc/group",
			LockTimeoutMS: 2000,
		},
		Trust: TrustConfig{
			Command:        "mise trust --all",
			TimeoutSeconds: 10,
		},
	}
}

// DefaultConfigPath returns the standard config path, honouring BOXENTRY_CONFIG.
func DefaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv(ConfigPathEnv)); path != "" {
		return path
	}
	return filepath.Join("/etc", "boxentry", "config.yaml")
}

// ServiceGroup returns the configured group name, defaulting to the user name.
func (c ServiceConfig) ServiceGroup() string {
	if strings.TrimSpace(c.Group) != "" {
		return c.Group
	}
	return c.User
}

// ServiceHome returns the configured home, defaulting to /home/<user>.
func (c ServiceConfig) ServiceHome() string {
	if strings.TrimSpace(c.Home) != "" {
		return c.Home
	}
	return filepath.Join("/home", c.User)
}

// HostGID returns the host GID, falling back to the host UID when unset.
func (c HostConfig) HostGID() string {
	if strings.TrimSpace(c.GID) != "" {
		return strings.TrimSpace(c.GID)
	}
	return strings.TrimSpace(c.UID)
}

// Set reports whether a host UID was supplied.
func (c HostConfig) Set() bool {
	return strings.TrimSpace(c.UID) != ""
}
