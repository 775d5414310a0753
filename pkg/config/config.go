// Package config loads the devbench server's process-wide configuration
// from a YAML file, rejecting unknown keys so a typo in a config file fails
// fast at startup rather than silently falling back to a default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of options listed in the external interfaces
// configuration table. Every field has a sane default applied by Default.
type Config struct {
	AllowedRegistries []string `yaml:"allowed_registries"`
	AllowedImages     []string `yaml:"allowed_images"`

	StateDBPath string `yaml:"state_db_path"`

	DrainGraceSeconds int `yaml:"drain_grace_seconds"`
	TransientGCDays   int `yaml:"transient_gc_days"`

	ConcurrentExecsPerContainer int   `yaml:"concurrent_execs_per_container"`
	ExecOutputBudgetBytes       int64 `yaml:"exec_output_budget_bytes"`
	DefaultExecTimeoutSeconds   int   `yaml:"default_exec_timeout_seconds"`

	WarmPoolEnabled bool   `yaml:"warm_pool_enabled"`
	WarmPoolSize    int    `yaml:"warm_pool_size"`
	WarmPoolImage   string `yaml:"warm_pool_image"`

	WorkspaceMountPath string `yaml:"workspace_mount_path"`
	WorkspaceHostRoot  string `yaml:"workspace_host_root"`

	DefaultCPULimit     float64 `yaml:"default_cpu_limit"`
	DefaultMemoryBytes  int64   `yaml:"default_memory_bytes"`
	DefaultPidLimit     int64   `yaml:"default_pid_limit"`
	GracefulStopSeconds int     `yaml:"graceful_stop_seconds"`

	ContainerdSocket    string `yaml:"containerd_socket"`
	ContainerdNamespace string `yaml:"containerd_namespace"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config populated with the defaults named in the
// external interfaces table.
func Default() Config {
	return Config{
		StateDBPath:                 "/var/lib/devbench/devbench.db",
		DrainGraceSeconds:           60,
		TransientGCDays:             7,
		ConcurrentExecsPerContainer: 4,
		ExecOutputBudgetBytes:       64 * 1024 * 1024,
		DefaultExecTimeoutSeconds:   300,
		WarmPoolEnabled:             false,
		WarmPoolSize:                0,
		WorkspaceMountPath:          "/workspace",
		WorkspaceHostRoot:           "/var/lib/devbench/workspaces",
		DefaultCPULimit:             1.0,
		DefaultMemoryBytes:          1 << 30,
		DefaultPidLimit:             512,
		GracefulStopSeconds:         10,
		ContainerdSocket:            "/run/containerd/containerd.sock",
		ContainerdNamespace:         "devbench",
		LogLevel:                    "info",
		LogJSON:                     true,
		ListenAddr:                  ":9090",
	}
}

// DrainGrace returns DrainGraceSeconds as a time.Duration.
func (c Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSeconds) * time.Second
}

// TransientGCAge returns TransientGCDays as a time.Duration.
func (c Config) TransientGCAge() time.Duration {
	return time.Duration(c.TransientGCDays) * 24 * time.Hour
}

// Load reads and strictly decodes a YAML config file at path on top of
// Default(). Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}
