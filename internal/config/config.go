package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/sandbench/internal/provider"
)

// Provider names accepted by --providers.
const (
	ProviderDocker     = "docker"
	ProviderSandkasten = "sandkasten"
	ProviderRunloop    = "runloop"
	ProviderProcess    = "process"
)

// SupportedProviders is the default selection, in benchmark order.
var SupportedProviders = []string{ProviderDocker, ProviderSandkasten, ProviderRunloop, ProviderProcess}

type DockerConfig struct {
	Image string `yaml:"image"`
	Shell string `yaml:"shell"`
}

type SandkastenConfig struct {
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
	Image  string `yaml:"image"`
}

type RunloopConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type ProcessConfig struct {
	Interpreter string `yaml:"interpreter"`
}

type Config struct {
	Concurrent    int               `yaml:"concurrent"`
	Batches       int               `yaml:"batches"`
	Providers     []string          `yaml:"providers"`
	VM            provider.VMConfig `yaml:"vm"`
	ExecTimeoutMs int               `yaml:"exec_timeout_ms"`
	OutputDir     string            `yaml:"output_dir"`
	DBPath        string            `yaml:"db_path"`
	MetricsFile   string            `yaml:"metrics_file"`
	PythonVersion string            `yaml:"python_version"`

	Docker     DockerConfig     `yaml:"docker"`
	Sandkasten SandkastenConfig `yaml:"sandkasten"`
	Runloop    RunloopConfig    `yaml:"runloop"`
	Process    ProcessConfig    `yaml:"process"`
}

// TotalRuns is the number of lifecycles attempted per provider.
func (c *Config) TotalRuns() int {
	return c.Concurrent * c.Batches
}

// Credential returns the credential a provider needs, and whether it needs one.
func (c *Config) Credential(name string) (string, bool) {
	switch name {
	case ProviderSandkasten:
		return c.Sandkasten.APIKey, true
	case ProviderRunloop:
		return c.Runloop.APIKey, true
	}
	return "", false
}

// CredentialEnv names the environment variable holding a provider's credential.
func CredentialEnv(name string) string {
	switch name {
	case ProviderSandkasten:
		return "SANDKASTEN_API_KEY"
	case ProviderRunloop:
		return "RUNLOOP_API_KEY"
	}
	return ""
}

func Default() *Config {
	return &Config{
		Concurrent:    50,
		Batches:       2,
		Providers:     slices.Clone(SupportedProviders),
		VM:            provider.DefaultVMConfig(),
		ExecTimeoutMs: 60000,
		OutputDir:     ".",
		DBPath:        "./sandbench.db",
		PythonVersion: "3.13",
		Docker: DockerConfig{
			Image: "python:3.13-slim",
			Shell: "sh",
		},
		Sandkasten: SandkastenConfig{
			Host: "http://127.0.0.1:8080",
		},
		Runloop: RunloopConfig{
			BaseURL:        "https://api.runloop.ai",
			PollIntervalMs: 500,
		},
		Process: ProcessConfig{
			Interpreter: "python3",
		},
	}
}

// Load reads .env (if present), then the YAML file, then environment
// overrides. A missing YAML file is not an error.
func Load(yamlPath string) (*Config, error) {
	// Already-set variables win over .env entries.
	_ = godotenv.Load()

	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDBENCH_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrent = n
		}
	}
	if v := os.Getenv("SANDBENCH_BATCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batches = n
		}
	}
	if v := os.Getenv("SANDBENCH_PROVIDERS"); v != "" {
		cfg.Providers = ParseProviders(v)
	}
	if v := os.Getenv("SANDBENCH_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("SANDBENCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SANDBENCH_METRICS_FILE"); v != "" {
		cfg.MetricsFile = v
	}
	if v := os.Getenv("SANDBENCH_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExecTimeoutMs = n
		}
	}
	if v := os.Getenv("SANDBENCH_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("SANDKASTEN_HOST"); v != "" {
		cfg.Sandkasten.Host = v
	}
	if v := os.Getenv("SANDKASTEN_API_KEY"); v != "" {
		cfg.Sandkasten.APIKey = v
	}
	if v := os.Getenv("RUNLOOP_BASE_URL"); v != "" {
		cfg.Runloop.BaseURL = v
	}
	if v := os.Getenv("RUNLOOP_API_KEY"); v != "" {
		cfg.Runloop.APIKey = v
	}
}

// ParseProviders splits a comma separated list, lower-casing and dropping blanks.
func ParseProviders(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Concurrent < 1 {
		return fmt.Errorf("concurrent must be >= 1, got %d", c.Concurrent)
	}
	if c.Batches < 1 {
		return fmt.Errorf("batches must be >= 1, got %d", c.Batches)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers selected")
	}
	for _, p := range c.Providers {
		if !slices.Contains(SupportedProviders, p) {
			return fmt.Errorf("unknown provider %q (supported: %s)", p, strings.Join(SupportedProviders, ", "))
		}
	}
	if c.VM.VCPUs < 1 || c.VM.MemoryMB < 1 || c.VM.DiskGB < 1 {
		return fmt.Errorf("vm resources must be positive: %s", c.VM)
	}
	return nil
}
