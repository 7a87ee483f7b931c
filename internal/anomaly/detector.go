// Package anomaly analyzes sensor readings for physically implausible
// values, quality degradation, abrupt jumps, statistical outliers, and
// sensor silence.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"sentryd/internal/config"
	"sentryd/internal/sensor"
)

// Kind identifies the anomaly class. The checks run in this order and the
// first match wins, so a reading that is both out of range and a spike
// reports out of range.
type Kind int

const (
	KindOutOfRange Kind = iota
	KindLowQuality
	KindSpike
	KindStatistical
	KindSensorSilent
)

func (k Kind) String() string {
	switch k {
	case KindOutOfRange:
		return "OUT_OF_RANGE"
	case KindLowQuality:
		return "LOW_QUALITY"
	case KindSpike:
		return "SPIKE"
	case KindStatistical:
		return "STATISTICAL"
	case KindSensorSilent:
		return "SENSOR_SILENT"
	default:
		return "UNKNOWN"
	}
}

// Severity grades an anomaly.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Anomaly describes one flagged reading.
type Anomaly struct {
	Kind      Kind
	Severity  Severity
	Score     float64
	Reading   sensor.Reading
	Detail    string
	Timestamp time.Time
}

// Detector holds the sliding window and per-run statistics. It is driven
// from the monitor goroutine; the mutex covers test access.
type Detector struct {
	mu  sync.Mutex
	cfg config.AnomalyConfig

	window   []sensor.Reading
	analyzed int
	flagged  int
	hasPrev  bool
	prev     sensor.Reading
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg config.AnomalyConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Analyze classifies one reading. It returns nil for a normal reading.
// Only normal readings enter the statistical window, so a burst of bad
// samples cannot drag the baseline toward itself.
func (d *Detector) Analyze(r sensor.Reading) *Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.analyzed++

	if a := d.checkRange(r); a != nil {
		return d.flag(a)
	}
	if a := d.checkQuality(r); a != nil {
		return d.flag(a)
	}
	if a := d.checkSpike(r); a != nil {
		return d.flag(a)
	}
	if a := d.checkStatistical(r); a != nil {
		return d.flag(a)
	}

	d.prev = r
	d.hasPrev = true
	d.window = append(d.window, r)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[1:]
	}
	return nil
}

func (d *Detector) flag(a *Anomaly) *Anomaly {
	d.flagged++
	a.Timestamp = time.Now()
	return a
}

func (d *Detector) checkRange(r sensor.Reading) *Anomaly {
	if r.Temperature < d.cfg.TempMin || r.Temperature > d.cfg.TempMax {
		return &Anomaly{
			Kind:     KindOutOfRange,
			Severity: SeverityCritical,
			Score:    1.0,
			Reading:  r,
			Detail:   fmt.Sprintf("temperature %.2f°C outside [%.1f, %.1f]", r.Temperature, d.cfg.TempMin, d.cfg.TempMax),
		}
	}
	if r.Humidity < d.cfg.HumidityMin || r.Humidity > d.cfg.HumidityMax {
		return &Anomaly{
			Kind:     KindOutOfRange,
			Severity: SeverityCritical,
			Score:    1.0,
			Reading:  r,
			Detail:   fmt.Sprintf("humidity %.2f%% outside [%.1f, %.1f]", r.Humidity, d.cfg.HumidityMin, d.cfg.HumidityMax),
		}
	}
	// The quality score lives on a fixed 0-100 scale; anything outside it
	// is a malformed sample, not merely a poor one.
	if r.Quality < 0 || r.Quality > 100 {
		return &Anomaly{
			Kind:     KindOutOfRange,
			Severity: SeverityCritical,
			Score:    1.0,
			Reading:  r,
			Detail:   fmt.Sprintf("quality score %.1f outside [0, 100]", r.Quality),
		}
	}
	return nil
}

func (d *Detector) checkQuality(r sensor.Reading) *Anomaly {
	if r.Quality >= d.cfg.MinQuality {
		return nil
	}
	return &Anomaly{
		Kind:     KindLowQuality,
		Severity: SeverityMedium,
		Score:    1.0 - r.Quality/100,
		Reading:  r,
		Detail:   fmt.Sprintf("quality score %.0f below floor %.0f", r.Quality, d.cfg.MinQuality),
	}
}

func (d *Detector) checkSpike(r sensor.Reading) *Anomaly {
	if !d.hasPrev {
		return nil
	}
	dt := math.Abs(r.Temperature - d.prev.Temperature)
	dh := math.Abs(r.Humidity - d.prev.Humidity)
	if dt > d.cfg.TempSpike {
		return &Anomaly{
			Kind:     KindSpike,
			Severity: SeverityHigh,
			Score:    math.Min(dt/(2*d.cfg.TempSpike), 1.0),
			Reading:  r,
			Detail:   fmt.Sprintf("temperature jumped %.2f°C in one sample (limit %.1f)", dt, d.cfg.TempSpike),
		}
	}
	if dh > d.cfg.HumiditySpike {
		return &Anomaly{
			Kind:     KindSpike,
			Severity: SeverityHigh,
			Score:    math.Min(dh/(2*d.cfg.HumiditySpike), 1.0),
			Reading:  r,
			Detail:   fmt.Sprintf("humidity jumped %.2f%% in one sample (limit %.1f)", dh, d.cfg.HumiditySpike),
		}
	}
	return nil
}

// checkStatistical flags readings whose z-score against the window is
// extreme. The check stays silent until the window is full; the first
// WindowSize samples are the learning phase.
func (d *Detector) checkStatistical(r sensor.Reading) *Anomaly {
	if len(d.window) < d.cfg.WindowSize {
		return nil
	}

	zt := zScore(r.Temperature, d.window, func(s sensor.Reading) float64 { return s.Temperature })
	zh := zScore(r.Humidity, d.window, func(s sensor.Reading) float64 { return s.Humidity })
	z := math.Max(zt, zh)

	// Three standard deviations saturate the score.
	score := math.Min(z/3.0, 1.0)
	if score < d.cfg.ScoreThreshold {
		return nil
	}

	sev := SeverityLow
	switch {
	case score >= 0.9:
		sev = SeverityHigh
	case score >= 0.7:
		sev = SeverityMedium
	}
	return &Anomaly{
		Kind:     KindStatistical,
		Severity: sev,
		Score:    score,
		Reading:  r,
		Detail:   fmt.Sprintf("z-score %.2f (T %.2f, H %.2f) over %d-sample window", z, zt, zh, len(d.window)),
	}
}

func zScore(v float64, window []sensor.Reading, pick func(sensor.Reading) float64) float64 {
	var sum, sumSq float64
	for _, s := range window {
		x := pick(s)
		sum += x
		sumSq += x * x
	}
	n := float64(len(window))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 1e-9 {
		variance = 1e-9
	}
	return math.Abs(v-mean) / math.Sqrt(variance)
}

// MarkSilent reports sensor silence as an anomaly. The monitor calls it
// when no reading arrived within the silence timeout.
func (d *Detector) MarkSilent(since time.Duration) *Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flag(&Anomaly{
		Kind:     KindSensorSilent,
		Severity: SeverityHigh,
		Score:    1.0,
		Detail:   fmt.Sprintf("no reading for %s", since.Round(time.Millisecond)),
	})
}

// Stats returns the number of readings analyzed and anomalies flagged.
func (d *Detector) Stats() (analyzed, flagged int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.analyzed, d.flagged
}

// WindowLen returns the current statistical window occupancy.
func (d *Detector) WindowLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}
