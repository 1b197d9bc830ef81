package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandbench/internal/provider"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Concurrent)
	assert.Equal(t, 2, cfg.Batches)
	assert.Equal(t, 100, cfg.TotalRuns())
	assert.Equal(t, SupportedProviders, cfg.Providers)
	assert.Equal(t, provider.VMConfig{VCPUs: 1, MemoryMB: 2048, DiskGB: 2}, cfg.VM)
	assert.Equal(t, "python:3.13-slim", cfg.Docker.Image)
	assert.Equal(t, "3.13", cfg.PythonVersion)
	assert.Equal(t, "https://api.runloop.ai", cfg.Runloop.BaseURL)
	assert.Equal(t, ".", cfg.OutputDir)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	yamlContent := `
concurrent: 5
batches: 3
providers: [docker, process]
vm:
  vcpus: 2
  memory_mb: 4096
  disk_gb: 8
docker:
  image: "python:3.12-slim"
sandkasten:
  api_key: "sk-yaml"
`
	yamlPath := filepath.Join(t.TempDir(), "sandbench.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Concurrent)
	assert.Equal(t, 3, cfg.Batches)
	assert.Equal(t, []string{"docker", "process"}, cfg.Providers)
	assert.Equal(t, provider.VMConfig{VCPUs: 2, MemoryMB: 4096, DiskGB: 8}, cfg.VM)
	assert.Equal(t, "python:3.12-slim", cfg.Docker.Image)
	// Unset keys keep their defaults.
	assert.Equal(t, "sh", cfg.Docker.Shell)

	key, needed := cfg.Credential(ProviderSandkasten)
	assert.True(t, needed)
	assert.Equal(t, "sk-yaml", key)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("/nonexistent/path/sandbench.yaml")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Concurrent)
}

func TestLoadYAMLInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	yamlPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SANDBENCH_CONCURRENT", "7")
	t.Setenv("SANDBENCH_BATCHES", "4")
	t.Setenv("SANDBENCH_PROVIDERS", "Runloop, docker")
	t.Setenv("SANDBENCH_OUTPUT_DIR", "/tmp/out")
	t.Setenv("SANDBENCH_DB_PATH", "/tmp/bench.db")
	t.Setenv("SANDBENCH_METRICS_FILE", "/tmp/bench.prom")
	t.Setenv("SANDBENCH_DOCKER_IMAGE", "python:3.11")
	t.Setenv("SANDKASTEN_HOST", "http://sk:9000")
	t.Setenv("SANDKASTEN_API_KEY", "sk-env")
	t.Setenv("RUNLOOP_API_KEY", "rl-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Concurrent)
	assert.Equal(t, 4, cfg.Batches)
	assert.Equal(t, []string{"runloop", "docker"}, cfg.Providers)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, "/tmp/bench.db", cfg.DBPath)
	assert.Equal(t, "/tmp/bench.prom", cfg.MetricsFile)
	assert.Equal(t, "python:3.11", cfg.Docker.Image)
	assert.Equal(t, "http://sk:9000", cfg.Sandkasten.Host)
	assert.Equal(t, "sk-env", cfg.Sandkasten.APIKey)
	assert.Equal(t, "rl-env", cfg.Runloop.APIKey)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	// Registered so the variable is unset again after the test.
	t.Setenv("RUNLOOP_API_KEY", "")
	require.NoError(t, os.Unsetenv("RUNLOOP_API_KEY"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RUNLOOP_API_KEY=rl-dotenv\n"), 0600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "rl-dotenv", cfg.Runloop.APIKey)
}

func TestEnvOverrideInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SANDBENCH_CONCURRENT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Concurrent)
}

func TestCredential(t *testing.T) {
	cfg := Default()
	_, needed := cfg.Credential(ProviderDocker)
	assert.False(t, needed)
	_, needed = cfg.Credential(ProviderProcess)
	assert.False(t, needed)
	key, needed := cfg.Credential(ProviderRunloop)
	assert.True(t, needed)
	assert.Empty(t, key)

	assert.Equal(t, "RUNLOOP_API_KEY", CredentialEnv(ProviderRunloop))
	assert.Equal(t, "SANDKASTEN_API_KEY", CredentialEnv(ProviderSandkasten))
	assert.Empty(t, CredentialEnv(ProviderDocker))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrent = 0 }},
		{"zero batches", func(c *Config) { c.Batches = 0 }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"unknown provider", func(c *Config) { c.Providers = []string{"morph"} }},
		{"no memory", func(c *Config) { c.VM.MemoryMB = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseProviders(t *testing.T) {
	assert.Equal(t, []string{"docker", "runloop"}, ParseProviders(" Docker,,runloop "))
	assert.Empty(t, ParseProviders(""))
}
