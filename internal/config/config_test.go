package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4096, cfg.Firmware.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.Sensor.SampleInterval())
	assert.Equal(t, 30*time.Second, cfg.Attestation.Interval())
	assert.Equal(t, 60*time.Second, cfg.Integrity.FullInterval())
	assert.Equal(t, 200*time.Millisecond, cfg.Integrity.LatencyBudget())
	assert.Equal(t, 3, cfg.Attestation.RetryBudget)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentryd.toml")
	data := `
version = 1

[firmware]
image_path = "/var/lib/sentryd/firmware.bin"
chunk_size = 2048

[sensor]
sample_interval_ms = 500
silence_timeout_ms = 2000

[logging]
level = "debug"
format = "json"
output = "stderr"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sentryd/firmware.bin", cfg.Firmware.ImagePath)
	assert.Equal(t, 2048, cfg.Firmware.ChunkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Sensor.SampleInterval())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.Attestation.IntervalSec)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentryd.yaml")
	data := `
version: 1
anomaly:
  temp_min: -20.0
  temp_max: 60.0
  humidity_min: 5.0
  humidity_max: 95.0
  temp_spike: 3.0
  humidity_spike: 10.0
  window_size: 5
  history_size: 50
  score_threshold: 0.7
  min_quality: 60
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, -20.0, cfg.Anomaly.TempMin)
	assert.Equal(t, 5, cfg.Anomaly.WindowSize)
	assert.Equal(t, 0.7, cfg.Anomaly.ScoreThreshold)
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.toml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Firmware.ChunkSize, cfg.Firmware.ChunkSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTRYD_LOG_LEVEL", "error")
	t.Setenv("SENTRYD_FIRMWARE_IMAGE", "/tmp/fw.bin")
	t.Setenv("SENTRYD_MAX_CYCLES", "25")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "/tmp/fw.bin", cfg.Firmware.ImagePath)
	assert.Equal(t, 25, cfg.Monitor.MaxCycles)
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"tiny chunk", func(c *Config) { c.Firmware.ChunkSize = 64 }, "firmware.chunk_size"},
		{"non power of two chunk", func(c *Config) { c.Firmware.ChunkSize = 3000 }, "firmware.chunk_size"},
		{"zero retry budget", func(c *Config) { c.Attestation.RetryBudget = 0 }, "attestation.retry_budget"},
		{"empty temp range", func(c *Config) { c.Anomaly.TempMin = 90; c.Anomaly.TempMax = 80 }, "anomaly.temp_min"},
		{"score threshold out of range", func(c *Config) { c.Anomaly.ScoreThreshold = 1.5 }, "anomaly.score_threshold"},
		{"min quality beyond scale", func(c *Config) { c.Anomaly.MinQuality = 150 }, "anomaly.min_quality"},
		{"silence below sample", func(c *Config) { c.Sensor.SilenceTimeoutMs = c.Sensor.SampleIntervalMs }, "sensor.silence_timeout_ms"},
		{"unknown storage type", func(c *Config) { c.Storage.Type = "redis" }, "storage.type"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidationErrorsAggregate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Firmware.ChunkSize = 0
	cfg.Attestation.RetryBudget = 0

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok, "expected ValidationErrors, got %T", err)
	assert.GreaterOrEqual(t, len(verrs), 2)
}
