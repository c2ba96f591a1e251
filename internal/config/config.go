package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration loaded from ~/.lyceum/config.yaml.
type Config struct {
	// APIAddr optionally exposes the control API on a loopback TCP address
	// in addition to the unix socket.
	APIAddr string `yaml:"api_addr,omitempty"`
	// AllowedOrigins lists browser origins permitted to open the event stream.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	Service  ServiceConfig `yaml:"service"`
	Worker   WorkerConfig  `yaml:"worker"`
	Runtime  RuntimeConfig `yaml:"runtime,omitempty"`
	Settings Settings      `yaml:"settings"`
}

// ServiceConfig describes how to run the backend processing service.
type ServiceConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	WorkingDir     string            `yaml:"working_dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	PortArg        string            `yaml:"port_arg,omitempty"`
	HealthPath     string            `yaml:"health_path,omitempty"`
	StatusPath     string            `yaml:"status_path,omitempty"`
	HealthInterval Duration          `yaml:"health_interval,omitempty"`
	HealthTimeout  Duration          `yaml:"health_timeout,omitempty"`
	HealthAttempts int               `yaml:"health_attempts,omitempty"`
	RestartDelay   Duration          `yaml:"restart_delay,omitempty"`
	StopTimeout    Duration          `yaml:"stop_timeout,omitempty"`
}

// WorkerConfig describes how to run one worker process.
type WorkerConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args,omitempty"`
	WorkingDir      string            `yaml:"working_dir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	InputArg        string            `yaml:"input_arg,omitempty"`
	IDArg           string            `yaml:"id_arg,omitempty"`
	AccelerationArg string            `yaml:"acceleration_arg,omitempty"`
	// NoisePatterns replace the built-in decoder noise filter when set.
	NoisePatterns []string `yaml:"noise_patterns,omitempty"`
	StopTimeout   Duration `yaml:"stop_timeout,omitempty"`
}

// RuntimeConfig describes the optional local model runtime.
type RuntimeConfig struct {
	Type      string   `yaml:"type,omitempty"` // "" (disabled) | "native" | "container"
	Command   string   `yaml:"command,omitempty"`
	Image     string   `yaml:"image,omitempty"`
	URL       string   `yaml:"url,omitempty"`
	ProbePath string   `yaml:"probe_path,omitempty"`
	Volumes   []string `yaml:"volumes,omitempty"` // host:container
}

// Enabled reports whether a model runtime is configured.
func (r RuntimeConfig) Enabled() bool { return r.Type != "" }

// Settings are the values the UI may change live. The json names are the
// setting names accepted over the control channel and the validate tags are
// their validators.
type Settings struct {
	WorkerCount         int      `yaml:"worker_count" json:"workerCount" validate:"min=1,max=8"`
	AccelerationEnabled bool     `yaml:"acceleration_enabled" json:"accelerationEnabled"`
	InputDirectories    []string `yaml:"input_directories" json:"inputDirectories" validate:"required,min=1,dive,required"`
	ServicePort         int      `yaml:"service_port" json:"servicePort" validate:"omitempty,min=1024,max=65535"`
	Theme               string   `yaml:"theme" json:"theme" validate:"oneof=light dark system"`
	LLMBackend          string   `yaml:"llm_backend" json:"llmBackend" validate:"oneof=ollama lmstudio none"`
	LLMModel            string   `yaml:"llm_model,omitempty" json:"llmModel" validate:"max=128,printascii"`
	AutoStartWorkers    bool     `yaml:"auto_start_workers" json:"autoStartWorkers"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the validator used for Settings so callers checking a
// single field apply the same rules.
func Validator() *validator.Validate { return validate }

// Dir returns the lyceum state directory: ~/.lyceum.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lyceum")
}

// DefaultPath returns the default config file path: ~/.lyceum/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	inputDir := "Courses"
	if home, err := os.UserHomeDir(); err == nil {
		inputDir = filepath.Join(home, "Courses")
	}
	return &Config{
		Service: ServiceConfig{
			Command:        "course-library-server",
			PortArg:        "--port",
			HealthPath:     "/health",
			StatusPath:     "/api/transcription-status",
			HealthInterval: Duration{2 * time.Second},
			HealthTimeout:  Duration{3 * time.Second},
			HealthAttempts: 30,
			RestartDelay:   Duration{2 * time.Second},
			StopTimeout:    Duration{5 * time.Second},
		},
		Worker: WorkerConfig{
			Command:         "parallel-worker",
			InputArg:        "-i",
			IDArg:           "--worker-id",
			AccelerationArg: "--gpu",
			StopTimeout:     Duration{5 * time.Second},
		},
		Settings: Settings{
			WorkerCount:      2,
			InputDirectories: []string{inputDir},
			ServicePort:      8080,
			Theme:            "system",
			LLMBackend:       "ollama",
			AutoStartWorkers: true,
		},
	}
}

// Load reads a YAML config file from path, layered over Default. If the
// file does not exist, it returns the defaults and no error. An empty or
// all-comment file also yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// readFile is Load without the missing-file fallback; the returned error
// wraps fs.ErrNotExist when there is no file.
func readFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that a configuration is usable.
func (c *Config) Validate() error {
	if c.APIAddr != "" {
		if err := CheckLoopbackAddr(c.APIAddr); err != nil {
			return fmt.Errorf("api_addr: %w", err)
		}
	}
	if c.Service.Command == "" {
		return fmt.Errorf("service.command is required")
	}
	if c.Service.HealthPath != "" && !strings.HasPrefix(c.Service.HealthPath, "/") {
		return fmt.Errorf("service.health_path %q must start with /", c.Service.HealthPath)
	}
	if c.Service.StatusPath != "" && !strings.HasPrefix(c.Service.StatusPath, "/") {
		return fmt.Errorf("service.status_path %q must start with /", c.Service.StatusPath)
	}
	for name, d := range map[string]Duration{
		"service.health_interval": c.Service.HealthInterval,
		"service.health_timeout":  c.Service.HealthTimeout,
		"service.restart_delay":   c.Service.RestartDelay,
		"service.stop_timeout":    c.Service.StopTimeout,
		"worker.stop_timeout":     c.Worker.StopTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Service.HealthAttempts < 0 {
		return fmt.Errorf("service.health_attempts must not be negative")
	}

	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Worker.InputArg == "" || c.Worker.IDArg == "" {
		return fmt.Errorf("worker.input_arg and worker.id_arg are required")
	}

	switch c.Runtime.Type {
	case "":
	case "native":
		if c.Runtime.Command == "" {
			return fmt.Errorf("runtime.command is required for native runtimes")
		}
	case "container":
		if c.Runtime.Image == "" {
			return fmt.Errorf("runtime.image is required for container runtimes")
		}
	default:
		return fmt.Errorf("runtime.type must be \"native\" or \"container\", got %q", c.Runtime.Type)
	}

	if err := validate.Struct(&c.Settings); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// CheckLoopbackAddr accepts host:port only when host is a loopback IP or
// "localhost". The control API has no authentication, so it must never be
// reachable from another machine.
func CheckLoopbackAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("address %q has no port", addr)
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("address %q is not a loopback address", addr)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.AllowedOrigins = slices.Clone(c.AllowedOrigins)
	out.Service.Args = slices.Clone(c.Service.Args)
	out.Service.Env = cloneMap(c.Service.Env)
	out.Worker.Args = slices.Clone(c.Worker.Args)
	out.Worker.Env = cloneMap(c.Worker.Env)
	out.Worker.NoisePatterns = slices.Clone(c.Worker.NoisePatterns)
	out.Runtime.Volumes = slices.Clone(c.Runtime.Volumes)
	out.Settings.InputDirectories = slices.Clone(c.Settings.InputDirectories)
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EnvList flattens an env map into KEY=VALUE pairs in stable order.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
