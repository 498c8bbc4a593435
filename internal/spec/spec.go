package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var processNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ProcessSpec is the top-level structure for a supervised process definition.
// A spec is immutable after registration: changing a spec file results in a
// stop + re-register + start of the process, never in-place mutation.
type ProcessSpec struct {
	Process  Process           `yaml:"process"`
	Shutdown *Shutdown         `yaml:"shutdown,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Restart  *RestartPolicy    `yaml:"restart,omitempty"`
}

type Process struct {
	Name       string   `yaml:"name"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	WorkingDir string   `yaml:"working_dir,omitempty"`
	DataDir    string   `yaml:"data_dir,omitempty"`
	StdoutLog  string   `yaml:"stdout_log,omitempty"` // overrides <log_dir>/<name>.out.log
	StderrLog  string   `yaml:"stderr_log,omitempty"` // overrides <log_dir>/<name>.err.log
}

// Shutdown describes the process's cooperative shutdown endpoint.
// Port 0 asks the supervisor to allocate one and inject it as
// BOTHERD_SHUTDOWN_PORT. Omitting the block means the process has no
// graceful-stop endpoint and is always stopped with a tree kill.
type Shutdown struct {
	Port int `yaml:"port"`
}

// RestartPolicy controls how the supervisor reacts to a process exit.
type RestartPolicy struct {
	// UseExitCodes opts the process into the exit-code control protocol
	// (0/42/43/44). When false every exit is treated as a crash.
	UseExitCodes bool     `yaml:"use_exit_codes"`
	AutoRestart  bool     `yaml:"auto_restart"`
	Delay        Duration `yaml:"delay,omitempty"`
	MaxRestarts  int      `yaml:"max_restarts,omitempty"` // 0 = unlimited
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and parses a process spec from a YAML file.
func Load(path string) (*ProcessSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}

	var ps ProcessSpec
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parsing spec %s: %w", path, err)
	}

	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("validating spec %s: %w", path, err)
	}

	return &ps, nil
}

// LoadDir reads all YAML process specs from a directory, sorted by name.
func LoadDir(dir string) ([]*ProcessSpec, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}

	ymlEntries, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}
	entries = append(entries, ymlEntries...)

	var specs []*ProcessSpec
	for _, path := range entries {
		ps, err := Load(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, ps)
	}

	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Process.Name < specs[j].Process.Name
	})
	return specs, nil
}

// Validate checks that a process spec is well-formed.
func (s *ProcessSpec) Validate() error {
	if s.Process.Name == "" {
		return fmt.Errorf("process.name is required")
	}
	if !processNameRe.MatchString(s.Process.Name) {
		return fmt.Errorf("process.name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", s.Process.Name)
	}
	if s.Process.Command == "" {
		return fmt.Errorf("process.command is required")
	}

	if sd := s.Shutdown; sd != nil {
		if sd.Port < 0 || sd.Port > 65535 {
			return fmt.Errorf("shutdown.port must be 0 (dynamic) or a valid port, got %d", sd.Port)
		}
	}

	if r := s.Restart; r != nil {
		if r.Delay.Duration < 0 {
			return fmt.Errorf("restart.delay must not be negative")
		}
		if r.MaxRestarts < 0 {
			return fmt.Errorf("restart.max_restarts must not be negative")
		}
	}

	return nil
}

// Policy returns the restart policy, falling back to conservative defaults
// when the spec has no restart block: no exit-code protocol, auto-restart
// after 5s, unlimited attempts.
func (s *ProcessSpec) Policy() RestartPolicy {
	if s.Restart != nil {
		return *s.Restart
	}
	return RestartPolicy{
		UseExitCodes: false,
		AutoRestart:  true,
		Delay:        Duration{5 * time.Second},
	}
}

// RestartDelay returns the configured restart delay with the default applied.
func (p RestartPolicy) RestartDelay() time.Duration {
	if p.Delay.Duration > 0 {
		return p.Delay.Duration
	}
	return 5 * time.Second
}

// Hash returns a stable hex digest of the spec's YAML form, used to detect
// changed specs on reload.
func (s *ProcessSpec) Hash() string {
	data, err := yaml.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
