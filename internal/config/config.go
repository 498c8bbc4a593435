package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/botherd/botherd/internal/spec"
)

// Config holds persistent daemon configuration loaded from
// ~/.botherd/config.yaml.
type Config struct {
	// SpecDir holds one YAML process spec per supervised process.
	SpecDir string `yaml:"spec_dir"`
	// LogDir receives <name>.out.log / <name>.err.log per process.
	LogDir string `yaml:"log_dir"`
	// DataDir holds the restart marker, audit log and daemon state.
	DataDir string `yaml:"data_dir"`
	// APIAddr optionally exposes the control API over TCP in addition
	// to the Unix socket.
	APIAddr string `yaml:"api_addr,omitempty"`

	// PollInterval is the liveness-poll tick for managed processes.
	PollInterval spec.Duration `yaml:"poll_interval,omitempty"`
	// UpdateInterval is the upstream-change check tick.
	UpdateInterval spec.Duration `yaml:"update_interval,omitempty"`
	// StopTimeout is how long a graceful stop waits before tree kill.
	StopTimeout spec.Duration `yaml:"stop_timeout,omitempty"`

	// Repos are the source trees the deployer keeps in sync.
	Repos []Repo `yaml:"repos,omitempty"`

	// WebhookConfig points at the JSON file holding the notification
	// webhook URL. Missing file disables notifications.
	WebhookConfig string `yaml:"webhook_config,omitempty"`

	// Sessions configures the interactive-session heuristics that gate
	// deploys.
	Sessions Sessions `yaml:"sessions,omitempty"`

	// ShutdownPorts is the range dynamic shutdown ports are drawn from.
	ShutdownPorts PortRange `yaml:"shutdown_ports,omitempty"`
}

// Repo is one git source tree watched and deployed by the supervisor.
type Repo struct {
	Dir    string `yaml:"dir"`
	Remote string `yaml:"remote,omitempty"` // default "origin"
	Branch string `yaml:"branch,omitempty"` // default "main"
	// Install runs after a successful pull (dependency install, build).
	Install string `yaml:"install,omitempty"`
}

// Sessions lists the heuristics for "interactive work in flight".
type Sessions struct {
	ProcessNames []string `yaml:"process_names,omitempty"`
	PathMarkers  []string `yaml:"path_markers,omitempty"`
}

// PortRange bounds dynamic shutdown-port allocation.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DefaultPath returns the default config file path: ~/.botherd/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".botherd", "config.yaml")
}

// Load reads a YAML config file from path and applies defaults. If the file
// does not exist, it returns a default Config and no error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	for i, r := range cfg.Repos {
		if r.Dir == "" {
			return nil, fmt.Errorf("repos[%d]: dir is required", i)
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if baseDir == "" || baseDir == "." {
		if home, err := os.UserHomeDir(); err == nil {
			baseDir = filepath.Join(home, ".botherd")
		}
	}

	if c.SpecDir == "" {
		c.SpecDir = filepath.Join(baseDir, "processes")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(baseDir, "logs")
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(baseDir, "data")
	}
	if c.WebhookConfig == "" {
		c.WebhookConfig = filepath.Join(baseDir, "webhook.json")
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval = spec.Duration{Duration: time.Second}
	}
	if c.UpdateInterval.Duration <= 0 {
		c.UpdateInterval = spec.Duration{Duration: time.Minute}
	}
	if c.StopTimeout.Duration <= 0 {
		c.StopTimeout = spec.Duration{Duration: 30 * time.Second}
	}
	if c.ShutdownPorts.Min == 0 && c.ShutdownPorts.Max == 0 {
		c.ShutdownPorts = PortRange{Min: 20000, Max: 32000}
	}
	for i := range c.Repos {
		if c.Repos[i].Remote == "" {
			c.Repos[i].Remote = "origin"
		}
		if c.Repos[i].Branch == "" {
			c.Repos[i].Branch = "main"
		}
	}
}
