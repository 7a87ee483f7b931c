package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateFirmware(&c.Firmware)...)
	errs = append(errs, validateIntegrity(&c.Integrity)...)
	errs = append(errs, validateAttestation(&c.Attestation)...)
	errs = append(errs, validateSensor(&c.Sensor)...)
	errs = append(errs, validateAnomaly(&c.Anomaly)...)
	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateFirmware(f *FirmwareConfig) ValidationErrors {
	var errs ValidationErrors

	if f.ChunkSize < 256 {
		errs = append(errs, ValidationError{
			Field:   "firmware.chunk_size",
			Message: "chunk size must be at least 256 bytes",
		})
	}
	// Power-of-two chunks keep chunk offsets flash-page aligned.
	if f.ChunkSize > 0 && f.ChunkSize&(f.ChunkSize-1) != 0 {
		errs = append(errs, ValidationError{
			Field:   "firmware.chunk_size",
			Message: "chunk size must be a power of two",
		})
	}
	return errs
}

func validateIntegrity(i *IntegrityConfig) ValidationErrors {
	var errs ValidationErrors

	if i.FullIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "integrity.full_interval_sec",
			Message: "full verification interval must be at least 1s",
		})
	}
	if i.IncrementalChunks < 0 {
		errs = append(errs, ValidationError{
			Field:   "integrity.incremental_chunks",
			Message: "incremental chunk count cannot be negative",
		})
	}
	if i.LatencyBudgetMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "integrity.latency_budget_ms",
			Message: "latency budget must be at least 1ms",
		})
	}
	return errs
}

func validateAttestation(a *AttestationConfig) ValidationErrors {
	var errs ValidationErrors

	if a.IntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "attestation.interval_sec",
			Message: "attestation interval must be at least 1s",
		})
	}
	if a.MaxReportAgeSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "attestation.max_report_age_sec",
			Message: "max report age must be at least 1s",
		})
	}
	if a.RetryBudget < 1 {
		errs = append(errs, ValidationError{
			Field:   "attestation.retry_budget",
			Message: "retry budget must be at least 1",
		})
	}
	return errs
}

func validateSensor(s *SensorConfig) ValidationErrors {
	var errs ValidationErrors

	if s.SampleIntervalMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "sensor.sample_interval_ms",
			Message: "sample interval must be at least 10ms",
		})
	}
	if s.SilenceTimeoutMs <= s.SampleIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "sensor.silence_timeout_ms",
			Message: "silence timeout must exceed the sample interval",
		})
	}
	return errs
}

func validateAnomaly(a *AnomalyConfig) ValidationErrors {
	var errs ValidationErrors

	if a.TempMin >= a.TempMax {
		errs = append(errs, ValidationError{
			Field:   "anomaly.temp_min",
			Message: "temperature range is empty",
		})
	}
	if a.HumidityMin >= a.HumidityMax {
		errs = append(errs, ValidationError{
			Field:   "anomaly.humidity_min",
			Message: "humidity range is empty",
		})
	}
	if a.TempSpike <= 0 || a.HumiditySpike <= 0 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.temp_spike",
			Message: "spike thresholds must be positive",
		})
	}
	if a.WindowSize < 2 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.window_size",
			Message: "window size must be at least 2",
		})
	}
	if a.HistorySize < a.WindowSize {
		errs = append(errs, ValidationError{
			Field:   "anomaly.history_size",
			Message: "history size must be at least the window size",
		})
	}
	if a.ScoreThreshold <= 0 || a.ScoreThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.score_threshold",
			Message: "score threshold must be in (0, 1]",
		})
	}
	if a.MinQuality < 0 || a.MinQuality > 100 {
		errs = append(errs, ValidationError{
			Field:   "anomaly.min_quality",
			Message: "min quality must be in [0, 100]",
		})
	}
	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if m.TickMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "monitor.tick_ms",
			Message: "tick must be at least 10ms",
		})
	}
	if m.HeartbeatMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "monitor.heartbeat_ms",
			Message: "heartbeat must be at least 10ms",
		})
	}
	if m.MaxCycles < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.max_cycles",
			Message: "max cycles cannot be negative",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "sqlite storage requires a path",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("unknown storage type %q (want sqlite or memory)", s.Type),
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", l.Level),
		})
	}
	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", l.Format),
		})
	}
	switch l.Output {
	case "stderr", "stdout":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file output requires a path",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", l.Output),
		})
	}
	return errs
}
