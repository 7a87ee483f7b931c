// Package config handles configuration loading, validation, and management
// for sentryd.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete runtime configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Element configuration for the hardware crypto element.
	Element ElementConfig `toml:"element" json:"element" yaml:"element"`

	// Firmware configuration for the protected image.
	Firmware FirmwareConfig `toml:"firmware" json:"firmware" yaml:"firmware"`

	// Integrity configuration for firmware verification scheduling.
	Integrity IntegrityConfig `toml:"integrity" json:"integrity" yaml:"integrity"`

	// Attestation configuration for the local attestation loop.
	Attestation AttestationConfig `toml:"attestation" json:"attestation" yaml:"attestation"`

	// Sensor configuration for the environmental sensor source.
	Sensor SensorConfig `toml:"sensor" json:"sensor" yaml:"sensor"`

	// Anomaly configuration for reading analysis thresholds.
	Anomaly AnomalyConfig `toml:"anomaly" json:"anomaly" yaml:"anomaly"`

	// Incident configuration for the security state machine.
	Incident IncidentConfig `toml:"incident" json:"incident" yaml:"incident"`

	// Monitor configuration for the run loop cadence.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Notify configuration for incident signaling.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ElementConfig holds hardware crypto element configuration.
type ElementConfig struct {
	// PreferChip selects the discrete secure element (TPM) when one is
	// detected; otherwise the software element is used.
	PreferChip bool `toml:"prefer_chip" json:"prefer_chip" yaml:"prefer_chip"`

	// KeyPath is the path to the Ed25519 device signing key used by the
	// software element. Empty means an ephemeral key (tests only).
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// FirmwareConfig holds the protected firmware image configuration.
type FirmwareConfig struct {
	// ImagePath is the path to the firmware image under protection.
	ImagePath string `toml:"image_path" json:"image_path" yaml:"image_path"`

	// ManifestPath is the path to the reference manifest. Empty means the
	// manifest lives next to the image as <image>.manifest.json.
	ManifestPath string `toml:"manifest_path" json:"manifest_path" yaml:"manifest_path"`

	// ChunkSize is the verification chunk size in bytes.
	ChunkSize int `toml:"chunk_size" json:"chunk_size" yaml:"chunk_size"`

	// Watch enables out-of-schedule verification when the image file
	// changes on disk.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// IntegrityConfig holds verification scheduling configuration.
type IntegrityConfig struct {
	// FullIntervalSec is the full-verification period in seconds.
	FullIntervalSec int `toml:"full_interval_sec" json:"full_interval_sec" yaml:"full_interval_sec"`

	// IncrementalChunks is the number of chunks verified per incremental
	// burst between full passes. 0 disables incremental verification.
	IncrementalChunks int `toml:"incremental_chunks" json:"incremental_chunks" yaml:"incremental_chunks"`

	// LatencyBudgetMs is the full-verification latency budget in
	// milliseconds. Exceeding it is logged, not fatal.
	LatencyBudgetMs int `toml:"latency_budget_ms" json:"latency_budget_ms" yaml:"latency_budget_ms"`
}

// AttestationConfig holds local attestation configuration.
type AttestationConfig struct {
	// IntervalSec is the attestation period in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// MaxReportAgeSec is how long an integrity report stays fresh enough
	// to attest over without forcing a new verification.
	MaxReportAgeSec int `toml:"max_report_age_sec" json:"max_report_age_sec" yaml:"max_report_age_sec"`

	// RetryBudget is the number of consecutive attestation failures
	// tolerated before the incident manager escalates.
	RetryBudget int `toml:"retry_budget" json:"retry_budget" yaml:"retry_budget"`
}

// SensorConfig holds sensor sampling configuration.
type SensorConfig struct {
	// SampleIntervalMs is the sampling period in milliseconds.
	SampleIntervalMs int `toml:"sample_interval_ms" json:"sample_interval_ms" yaml:"sample_interval_ms"`

	// ProfilePath is a YAML replay profile for the simulated sensor.
	// Empty selects the built-in nominal profile.
	ProfilePath string `toml:"profile_path" json:"profile_path" yaml:"profile_path"`

	// SilenceTimeoutMs is how long the monitor waits without a reading
	// before declaring the sensor silent.
	SilenceTimeoutMs int `toml:"silence_timeout_ms" json:"silence_timeout_ms" yaml:"silence_timeout_ms"`
}

// AnomalyConfig holds reading analysis thresholds.
type AnomalyConfig struct {
	// TempMin and TempMax bound plausible temperature in °C.
	TempMin float64 `toml:"temp_min" json:"temp_min" yaml:"temp_min"`
	TempMax float64 `toml:"temp_max" json:"temp_max" yaml:"temp_max"`

	// HumidityMin and HumidityMax bound plausible relative humidity in %.
	HumidityMin float64 `toml:"humidity_min" json:"humidity_min" yaml:"humidity_min"`
	HumidityMax float64 `toml:"humidity_max" json:"humidity_max" yaml:"humidity_max"`

	// TempSpike and HumiditySpike are the per-sample jump thresholds.
	TempSpike     float64 `toml:"temp_spike" json:"temp_spike" yaml:"temp_spike"`
	HumiditySpike float64 `toml:"humidity_spike" json:"humidity_spike" yaml:"humidity_spike"`

	// WindowSize is the sliding window used for spike and z-score checks.
	WindowSize int `toml:"window_size" json:"window_size" yaml:"window_size"`

	// HistorySize caps the retained reading history.
	HistorySize int `toml:"history_size" json:"history_size" yaml:"history_size"`

	// ScoreThreshold is the statistical anomaly score above which a
	// reading is flagged.
	ScoreThreshold float64 `toml:"score_threshold" json:"score_threshold" yaml:"score_threshold"`

	// MinQuality is the lowest acceptable reading quality score, on the
	// sensor's 0-100 scale.
	MinQuality float64 `toml:"min_quality" json:"min_quality" yaml:"min_quality"`
}

// IncidentConfig holds security state machine configuration.
type IncidentConfig struct {
	// SnapshotPath is where the emergency snapshot is written when the
	// node reaches the compromised state. Empty disables the file
	// snapshot; the store row is always written.
	SnapshotPath string `toml:"snapshot_path" json:"snapshot_path" yaml:"snapshot_path"`

	// HistorySize caps retained incidents in memory.
	HistorySize int `toml:"history_size" json:"history_size" yaml:"history_size"`
}

// MonitorConfig holds run loop cadence configuration.
type MonitorConfig struct {
	// TickMs is the monitor supervision tick in milliseconds.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// HeartbeatMs is the heartbeat period in milliseconds.
	HeartbeatMs int `toml:"heartbeat_ms" json:"heartbeat_ms" yaml:"heartbeat_ms"`

	// MaxCycles stops the loop after this many sensor cycles. 0 runs
	// until the context is cancelled.
	MaxCycles int `toml:"max_cycles" json:"max_cycles" yaml:"max_cycles"`

	// MetricsPath is where the monitor writes its Prometheus text
	// exposition on each supervision tick; the status command reads it.
	// Empty disables the exposition file.
	MetricsPath string `toml:"metrics_path" json:"metrics_path" yaml:"metrics_path"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// NotifyConfig holds incident signaling configuration.
type NotifyConfig struct {
	// DBusEnabled emits incident signals on the session bus.
	DBusEnabled bool `toml:"dbus_enabled" json:"dbus_enabled" yaml:"dbus_enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stderr", "stdout", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns the configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Element: ElementConfig{
			PreferChip: false,
		},
		Firmware: FirmwareConfig{
			ChunkSize: 4096,
			Watch:     true,
		},
		Integrity: IntegrityConfig{
			FullIntervalSec:   60,
			IncrementalChunks: 8,
			LatencyBudgetMs:   200,
		},
		Attestation: AttestationConfig{
			IntervalSec:     30,
			MaxReportAgeSec: 60,
			RetryBudget:     3,
		},
		Sensor: SensorConfig{
			SampleIntervalMs: 2000,
			SilenceTimeoutMs: 10000,
		},
		Anomaly: AnomalyConfig{
			TempMin:        -40.0,
			TempMax:        80.0,
			HumidityMin:    0.0,
			HumidityMax:    100.0,
			TempSpike:      5.0,
			HumiditySpike:  15.0,
			WindowSize:     10,
			HistorySize:    100,
			ScoreThreshold: 0.8,
			MinQuality:     50,
		},
		Incident: IncidentConfig{
			HistorySize: 64,
		},
		Monitor: MonitorConfig{
			TickMs:      5000,
			HeartbeatMs: 10000,
			MetricsPath: filepath.Join(dataDir(), "metrics.prom"),
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dataDir(), "sentryd.db"),
			BusyTimeoutMs: 5000,
		},
		Notify: NotifyConfig{
			DBusEnabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// dataDir returns the default data directory, honoring XDG_DATA_HOME.
func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sentryd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "sentryd")
}

// ApplyEnvOverrides applies SENTRYD_* environment variable overrides on
// top of the loaded file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SENTRYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SENTRYD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SENTRYD_FIRMWARE_IMAGE"); v != "" {
		c.Firmware.ImagePath = v
	}
	if v := os.Getenv("SENTRYD_FIRMWARE_MANIFEST"); v != "" {
		c.Firmware.ManifestPath = v
	}
	if v := os.Getenv("SENTRYD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SENTRYD_DEVICE_KEY"); v != "" {
		c.Element.KeyPath = v
	}
	if v := os.Getenv("SENTRYD_PREFER_CHIP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Element.PreferChip = b
		}
	}
	if v := os.Getenv("SENTRYD_MAX_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Monitor.MaxCycles = n
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Duration accessors. The file format carries integer ms/sec fields; the
// rest of the code works in time.Duration.

func (c *IntegrityConfig) FullInterval() time.Duration {
	return time.Duration(c.FullIntervalSec) * time.Second
}

func (c *IntegrityConfig) LatencyBudget() time.Duration {
	return time.Duration(c.LatencyBudgetMs) * time.Millisecond
}

func (c *AttestationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c *AttestationConfig) MaxReportAge() time.Duration {
	return time.Duration(c.MaxReportAgeSec) * time.Second
}

func (c *SensorConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMs) * time.Millisecond
}

func (c *SensorConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

func (c *MonitorConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c *MonitorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (c *StorageConfig) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}
