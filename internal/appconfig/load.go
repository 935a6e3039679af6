package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to environment overrides (checks.root -> BOXENTRY_CHECKS_ROOT).
const EnvPrefix = "BOXENTRY"

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath and tolerates a missing file. HOST_UID and HOST_GID are
// always read from the environment.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("host.uid", "HOST_UID"); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("host.gid", "HOST_GID"); err != nil {
		return Config{}, err
	}
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("service.user", cfg.Service.User)
	v.SetDefault("service.group", cfg.Service.Group)
	v.SetDefault("service.home", cfg.Service.Home)
	v.SetDefault("service.shell", cfg.Service.Shell)
	v.SetDefault("host.uid", "")
	v.SetDefault("host.gid", "")
	v.SetDefault("ownership.shared_prefix", cfg.Ownership.SharedPrefix)
	v.SetDefault("ownership.cache_dirs", cfg.Ownership.CacheDirs)
	v.SetDefault("checks.root", cfg.Checks.Root)
	v.SetDefault("checks.disabled", cfg.Checks.Disabled)
	v.SetDefault("checks.docker_socket", cfg.Checks.DockerSocket)
	v.SetDefault("checks.host_marker", cfg.Checks.HostMarker)
	v.SetDefault("checks.sensitive_files", cfg.Checks.SensitiveFiles)
	v.SetDefault("checks.net_bridge", cfg.Checks.NetBridge)
	v.SetDefault("checks.raw_devices", cfg.Checks.RawDevices)
	v.SetDefault("checks.host_init_names", cfg.Checks.HostInitNames)
	v.SetDefault("accounts.passwd", cfg.Accounts.Passwd)
	v.SetDefault("accounts.group", cfg.Accounts.Group)
	v.SetDefault("accounts.lock_timeout_ms", cfg.Accounts.LockTimeoutMS)
	v.SetDefault("trust.command", cfg.Trust.Command)
	v.SetDefault("trust.timeout_seconds", cfg.Trust.TimeoutSeconds)

	configLoaded := false
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		configLoaded = true
	} else if !errors.Is(err, os.ErrNotExist) || explicit {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Service.User) == "" {
		return errors.New("service.user is required")
	}
	if strings.ContainsAny(cfg.Service.User, ":\n") {
		return fmt.Errorf("service.user %q must not contain ':' or newlines", cfg.Service.User)
	}
	if !filepath.IsAbs(cfg.Checks.Root) {
		return fmt.Errorf("checks.root must be absolute, got %q", cfg.Checks.Root)
	}
	if strings.TrimSpace(cfg.Accounts.Passwd) == "" || strings.TrimSpace(cfg.Accounts.Group) == "" {
		return errors.New("accounts.passwd and accounts.group are required")
	}
	if cfg.Accounts.LockTimeoutMS < 0 {
		return errors.New("accounts.lock_timeout_ms must not be negative")
	}
	if cfg.Trust.TimeoutSeconds < 0 {
		return errors.New("trust.timeout_seconds must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Service.Home = expandEnv(cfg.Service.Home)
	cfg.Service.Shell = expandEnv(cfg.Service.Shell)
	cfg.Ownership.SharedPrefix = expandEnv(cfg.Ownership.SharedPrefix)
	cfg.Checks.Root = expandEnv(cfg.Checks.Root)
	cfg.Accounts.Passwd = expandEnv(cfg.Accounts.Passwd)
	cfg.Accounts.Group = expandEnv(cfg.Accounts.Group)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// Marshal renders a config as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
