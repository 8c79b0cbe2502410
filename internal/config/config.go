// Package config holds the swebox configuration model.
// The top-level Config is loaded from YAML; EnvironmentArguments can also be
// built directly by the CLI from flags. Validation happens before any
// container is created.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from the forms people write
// in config files: "25s", "2m30s". Plain integers are still accepted as
// nanoseconds for files written by older versions.
type Duration time.Duration

// MarshalYAML writes the duration in its human-readable form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts duration strings and integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if parsed, perr := time.ParseDuration(s); perr == nil {
			*d = Duration(parsed)
			return nil
		}
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// CloneMethod controls how repositories are cloned into the container.
type CloneMethod string

const (
	// CloneShallow clones with --depth 1 (default, fast).
	CloneShallow CloneMethod = "shallow"

	// CloneFull performs a full clone. Required when the base commit is
	// not reachable from a shallow history.
	CloneFull CloneMethod = "full"
)

// CommunicateMethod selects how commands reach the container.
type CommunicateMethod string

const (
	// CommunicateSession uses a long-lived shell with sentinel framing (default).
	CommunicateSession CommunicateMethod = "session"

	// CommunicateProcesses spawns one docker exec per command.
	CommunicateProcesses CommunicateMethod = "processes"
)

// Environment variable overrides.
const (
	EnvCloneMethod       = "SWEBOX_CLONE_METHOD"
	EnvCommunicateMethod = "SWEBOX_COMMUNICATE_METHOD"
)

// Config holds all swebox configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Environment provisioning
	Environment EnvironmentArguments `yaml:"environment"`

	// GitHub integration
	GitHub GitHubConfig `yaml:"github"`

	// Trajectory recording
	Trajectories TrajectoriesConfig `yaml:"trajectories"`

	// Evaluation harness
	Eval EvalConfig `yaml:"eval"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EnvironmentArguments configures a single task environment.
type EnvironmentArguments struct {
	// DataPath identifies the task: a local problem statement (.md/.txt),
	// a GitHub issue URL, or a benchmark instance file (.json/.jsonl).
	DataPath string `yaml:"data_path"`

	// RepoPath is a local repository to mirror into the container.
	// Empty means the repository is cloned from the task's git URL.
	RepoPath string `yaml:"repo_path"`

	// ImageName is the Docker image for the environment container.
	ImageName string `yaml:"image_name"`

	// ContainerName makes the container persistent across runs.
	// Empty means an ephemeral container named after the run ID.
	ContainerName string `yaml:"container_name"`

	// EnvironmentSetup points at a .sh script or a .yml/.yaml env spec.
	EnvironmentSetup string `yaml:"environment_setup"`

	// InstallEnvironment controls whether the python environment is
	// installed during Reset. Defaults to true.
	InstallEnvironment bool `yaml:"install_environment"`

	// CacheTaskImages commits the prepared container as a task image so
	// subsequent resets for the same instance skip clone and setup.
	CacheTaskImages bool `yaml:"cache_task_images"`

	// Timeout bounds a single communicate call.
	Timeout Duration `yaml:"timeout"`

	// SplitName filters benchmark instance files (optional).
	SplitName string `yaml:"split_name"`

	// NoMirror disables mirroring of local repos (clone instead).
	NoMirror bool `yaml:"no_mirror"`

	// Verbose echoes container output to the console.
	Verbose bool `yaml:"verbose"`
}

// GitHubConfig configures the GitHub REST client.
type GitHubConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// TrajectoriesConfig configures trajectory recording.
type TrajectoriesConfig struct {
	Dir       string `yaml:"dir"`
	StorePath string `yaml:"store_path"`
}

// EvalConfig configures the evaluation harness.
type EvalConfig struct {
	TestTimeout Duration `yaml:"test_timeout"`
	Workers     int      `yaml:"workers"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// DefaultEnvironmentArguments returns arguments with the defaults applied.
func DefaultEnvironmentArguments() EnvironmentArguments {
	return EnvironmentArguments{
		ImageName:          "python:3.11-slim",
		InstallEnvironment: true,
		Timeout:            Duration(25 * time.Second),
	}
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Name:        "swebox",
		Environment: DefaultEnvironmentArguments(),
		Trajectories: TrajectoriesConfig{
			Dir:       "trajectories",
			StorePath: filepath.Join(".swebox", "runs.db"),
		},
		Eval: EvalConfig{
			TestTimeout: Duration(5 * time.Minute),
			Workers:     2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, applying defaults for missing fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Environment.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config as YAML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks argument combinations before any container work starts.
func (a *EnvironmentArguments) Validate() error {
	if a.DataPath == "" {
		return fmt.Errorf("data_path is required")
	}
	if a.CacheTaskImages && a.ContainerName != "" {
		return fmt.Errorf(
			"Not allowed: cache_task_images and container_name are mutually exclusive " +
				"(cached task images assume throwaway containers)")
	}
	if a.EnvironmentSetup != "" {
		ext := strings.ToLower(filepath.Ext(a.EnvironmentSetup))
		switch ext {
		case ".sh", ".yml", ".yaml":
		default:
			return fmt.Errorf("environment_setup must be a .sh script or .yml/.yaml spec, got %q", ext)
		}
	}
	return nil
}

// CloneMethodFromEnv reads the clone method override, defaulting to shallow.
func CloneMethodFromEnv() CloneMethod {
	switch strings.ToLower(os.Getenv(EnvCloneMethod)) {
	case "full":
		return CloneFull
	case "", "shallow":
		return CloneShallow
	default:
		// Unknown values fall back to the conservative full clone.
		return CloneFull
	}
}

// CommunicateMethodFromEnv reads the communicate method override.
func CommunicateMethodFromEnv() CommunicateMethod {
	switch strings.ToLower(os.Getenv(EnvCommunicateMethod)) {
	case "processes":
		return CommunicateProcesses
	default:
		return CommunicateSession
	}
}
