package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"fsshell/internal/artifacts"
	"fsshell/internal/util"
	"fsshell/internal/vfs"
)

const settingsHeader = "# fsshell global settings\n# Written by `fsshell settings --save`.\n\n"

// Settings is the global configuration of a session.
type Settings struct {
	LogLevel          string         `yaml:"log_level" env:"FSSHELL_LOG_LEVEL"`
	VFS               VFSSettings    `yaml:"vfs"`
	SQLiteBusyTimeout int            `yaml:"sqlite_busy_timeout" env:"FSSHELL_SQLITE_BUSY_TIMEOUT"`
	Mounts            []MountSpec    `yaml:"mounts"`
	Import            ImportSettings `yaml:"import"`
}

// VFSSettings map onto vfs.Config.
type VFSSettings struct {
	MaxSymlinks    int  `yaml:"max_symlinks" env:"FSSHELL_MAX_SYMLINKS"`
	UnusedVnodes   int  `yaml:"unused_vnodes" env:"FSSHELL_UNUSED_VNODES"`
	Cache          bool `yaml:"cache" env:"FSSHELL_CACHE"`
	FDTableSize    int  `yaml:"fd_table_size" env:"FSSHELL_FD_TABLE_SIZE"`
	MaxFDTableSize int  `yaml:"max_fd_table_size" env:"FSSHELL_MAX_FD_TABLE_SIZE"`
	BusyRetry      struct {
		Attempts uint          `yaml:"attempts" env:"FSSHELL_BUSY_ATTEMPTS"`
		Delay    time.Duration `yaml:"delay" env:"FSSHELL_BUSY_DELAY"`
		MaxDelay time.Duration `yaml:"max_delay" env:"FSSHELL_BUSY_MAX_DELAY"`
	} `yaml:"busy_retry"`
	UnmountDrain struct {
		Timeout  time.Duration `yaml:"timeout" env:"FSSHELL_DRAIN_TIMEOUT"`
		Interval time.Duration `yaml:"interval" env:"FSSHELL_DRAIN_INTERVAL"`
	} `yaml:"unmount_drain"`
}

// MountSpec describes a volume mounted at boot.
type MountSpec struct {
	Path     string `yaml:"path"`
	FS       string `yaml:"fs"`
	Device   string `yaml:"device,omitempty"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
	Args     string `yaml:"args,omitempty"`
}

// ImportSettings control which host files `import` copies.
type ImportSettings struct {
	Gitignore bool     `yaml:"gitignore" env:"FSSHELL_IMPORT_GITIGNORE"`
	Includes  []string `yaml:"includes"`
	Excludes  []string `yaml:"excludes"`
}

// ConfigDir returns the configuration directory.
// Uses FSSHELL_CONFIG_DIR if set, otherwise ~/.fsshell.
func ConfigDir() string {
	if dir := os.Getenv("FSSHELL_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fsshell")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// DefaultSettings returns the embedded defaults.
func DefaultSettings() (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		return nil, fmt.Errorf("embedded settings: %w", err)
	}
	return &s, nil
}

// LoadSettings reads the embedded defaults, then the settings file if one
// exists, then the environment overlay.
func LoadSettings() (*Settings, error) {
	s, err := DefaultSettings()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", SettingsPath(), err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if err := cleanenv.ReadEnv(s); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return s, nil
}

// SaveSettings writes s to the settings file.
func SaveSettings(s *Settings) error {
	if err := os.MkdirAll(ConfigDir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(), append([]byte(settingsHeader), data...), 0600)
}

// VFSConfig converts the settings into a vfs.Config. A disabled cache keeps
// no unused vnodes.
func (s *Settings) VFSConfig() vfs.Config {
	v := s.VFS
	cfg := vfs.Config{
		MaxSymlinks:        v.MaxSymlinks,
		UnusedVnodes:       v.UnusedVnodes,
		DefaultFDTableSize: v.FDTableSize,
		MaxFDTableSize:     v.MaxFDTableSize,
		BusyRetry: util.BackoffConfig{
			Attempts: v.BusyRetry.Attempts,
			Delay:    v.BusyRetry.Delay,
			MaxDelay: v.BusyRetry.MaxDelay,
		},
		DrainPoll: util.PollConfig{
			Timeout:  v.UnmountDrain.Timeout,
			Interval: v.UnmountDrain.Interval,
		},
	}
	if !v.Cache {
		cfg.UnusedVnodes = -1
	}
	return cfg
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
