// Package monitor runs the security loop: sensor sampling, firmware
// verification, attestation, heartbeat, and incident handling, all from a
// single goroutine.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"sentryd/internal/anomaly"
	"sentryd/internal/attestation"
	"sentryd/internal/config"
	"sentryd/internal/element"
	"sentryd/internal/firmware"
	"sentryd/internal/incident"
	"sentryd/internal/integrity"
	"sentryd/internal/logging"
	"sentryd/internal/metrics"
	"sentryd/internal/notify"
	"sentryd/internal/sensor"
	"sentryd/internal/store"
)

// Options carries the externally constructed dependencies.
type Options struct {
	// Events receives the operational event stream. Defaults to stdout.
	Events io.Writer

	Log      *logging.Logger
	Store    store.Store
	Notifier notify.Notifier
	Element  *element.Manager
	Source   sensor.Source

	// Registry receives runtime metrics. Defaults to a fresh registry.
	Registry *metrics.Registry
}

// Stats summarizes one run.
type Stats struct {
	Cycles          int
	SensorReadings  int
	IntegrityChecks int
	Attestations    int
}

// Monitor owns the run loop. Construction wires dependencies; Run
// initializes the components in order and then drives the loop until the
// context ends, the cycle budget is spent, or the node locks.
type Monitor struct {
	cfg    *config.Config
	events io.Writer
	log    *logging.Logger
	st     store.Store
	not    notify.Notifier
	elem   *element.Manager
	source sensor.Source

	verifier  *integrity.Verifier
	attestor  *attestation.Manager
	detector  *anomaly.Detector
	incidents *incident.Manager
	watcher   *firmware.Watcher

	reg          *metrics.Registry
	readingsCtr  *metrics.Counter
	anomaliesCtr *metrics.Counter
	checksOKCtr  *metrics.Counter
	checksBadCtr *metrics.Counter
	attestOKCtr  *metrics.Counter
	attestBadCtr *metrics.Counter
	stateGauge   *metrics.Gauge
	verifyHist   *metrics.Histogram

	stats       Stats
	start       time.Time
	lastReading time.Time
	silenced    bool
}

// New creates a monitor. Initialization is deferred to Run so the event
// stream reflects the component bring-up order.
func New(cfg *config.Config, opts Options) *Monitor {
	if opts.Events == nil {
		opts.Events = os.Stdout
	}
	if opts.Registry == nil {
		opts.Registry = metrics.NewRegistry("sentryd")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}

	m := &Monitor{
		cfg:    cfg,
		events: opts.Events,
		log:    opts.Log,
		st:     opts.Store,
		not:    opts.Notifier,
		elem:   opts.Element,
		source: opts.Source,
		reg:    opts.Registry,
	}

	m.readingsCtr = m.reg.Counter("sensor_readings_total", "Sensor readings acquired.", nil)
	m.anomaliesCtr = m.reg.Counter("anomalies_total", "Sensor anomalies flagged.", nil)
	m.checksOKCtr = m.reg.Counter("integrity_checks_total", "Integrity passes.", metrics.Labels{"result": "ok"})
	m.checksBadCtr = m.reg.Counter("integrity_checks_total", "Integrity passes.", metrics.Labels{"result": "corrupted"})
	m.attestOKCtr = m.reg.Counter("attestations_total", "Attestation cycles.", metrics.Labels{"result": "success"})
	m.attestBadCtr = m.reg.Counter("attestations_total", "Attestation cycles.", metrics.Labels{"result": "failure"})
	m.stateGauge = m.reg.Gauge("security_state", "Current security state ordinal.", nil)
	m.verifyHist = m.reg.Histogram("verification_seconds", "Full verification latency.", nil, metrics.DurationBuckets)
	return m
}

func (m *Monitor) emit(format string, args ...any) {
	fmt.Fprintf(m.events, format+"\n", args...)
}

// initialize brings up every component in dependency order.
func (m *Monitor) initialize(ctx context.Context) error {
	m.emit("initializing crypto manager")
	if err := m.elem.Initialize(ctx); err != nil {
		return err
	}
	id := m.elem.Identity()
	m.emit("crypto manager initialized: device=%s rev=%d", id.Serial, id.HardwareRev)

	m.emit("initializing integrity verifier")
	img, err := firmware.LoadImage(m.cfg.Firmware.ImagePath, m.cfg.Firmware.ChunkSize, m.elem.Hash)
	if err != nil {
		return err
	}
	m.emit("firmware: %d bytes, %d chunks", img.Size, img.ChunkCount())

	manifestPath := m.cfg.Firmware.ManifestPath
	if manifestPath == "" {
		manifestPath = m.cfg.Firmware.ImagePath + ".manifest.json"
	}
	manifest, err := firmware.LoadManifest(manifestPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// Trust on first use: record the current image as the reference.
		manifest = firmware.GenerateManifest(img)
		if err := manifest.Sign(m.elem); err != nil {
			return err
		}
		if err := manifest.Write(manifestPath); err != nil {
			return err
		}
		m.log.Info("generated reference manifest", "path", manifestPath)
	}

	m.verifier, err = integrity.NewVerifier(img, manifest, m.elem.Hash)
	if err != nil {
		return err
	}
	m.emit("integrity verifier initialized")

	m.emit("initializing attestation manager")
	m.attestor = attestation.NewManager(m.elem, m.verifier, m.cfg.Attestation.MaxReportAge(), m.log.WithComponent("attestation"))
	m.emit("attestation manager initialized")

	m.emit("initializing sensor manager")
	m.emit("sensor manager initialized")

	m.emit("initializing anomaly detector")
	m.detector = anomaly.NewDetector(m.cfg.Anomaly)
	m.emit("anomaly detector initialized")

	m.emit("initializing incident manager")
	m.incidents = incident.NewManager(m.cfg.Incident, m.st, m.not, m.cfg.Attestation.RetryBudget, m.log.WithComponent("incident"))
	m.emit("incident manager initialized")

	if m.cfg.Firmware.Watch {
		m.watcher, err = firmware.NewWatcher(m.cfg.Firmware.ImagePath)
		if err != nil {
			return err
		}
	}

	m.incidents.SystemReady()
	m.stateGauge.Set(int64(m.incidents.State()))
	return nil
}

// Run executes the monitor loop until the context ends, MaxCycles sensor
// cycles have completed, or the node reaches LOCKED.
func (m *Monitor) Run(ctx context.Context) (Stats, error) {
	m.start = time.Now()
	m.lastReading = m.start

	if err := m.initialize(ctx); err != nil {
		return m.stats, err
	}
	defer m.shutdown()

	sensorTick := time.NewTicker(m.cfg.Sensor.SampleInterval())
	defer sensorTick.Stop()
	integrityTick := time.NewTicker(m.cfg.Integrity.FullInterval())
	defer integrityTick.Stop()
	attestTick := time.NewTicker(m.cfg.Attestation.Interval())
	defer attestTick.Stop()
	heartbeatTick := time.NewTicker(m.cfg.Monitor.HeartbeatInterval())
	defer heartbeatTick.Stop()
	superviseTick := time.NewTicker(m.cfg.Monitor.Tick())
	defer superviseTick.Stop()

	var watchCh <-chan struct{}
	if m.watcher != nil {
		watchCh = m.watcher.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			m.summary()
			return m.stats, ctx.Err()

		case <-sensorTick.C:
			m.handleSensor(ctx)
			if max := m.cfg.Monitor.MaxCycles; max > 0 && m.stats.Cycles >= max {
				m.summary()
				return m.stats, nil
			}

		case <-integrityTick.C:
			m.runFullVerification(ctx)

		case <-watchCh:
			m.incidents.ReportTamperSignal("firmware image changed on disk")
			m.stateGauge.Set(int64(m.incidents.State()))
			m.runFullVerification(ctx)

		case <-attestTick.C:
			m.handleAttestation(ctx)

		case <-heartbeatTick.C:
			m.handleHeartbeat()

		case <-superviseTick.C:
			m.supervise(ctx)
		}

		if m.incidents.Locked() {
			m.stateGauge.Set(int64(incident.StateLocked))
			m.log.Error("node locked, stopping monitor")
			m.summary()
			return m.stats, nil
		}
	}
}

func (m *Monitor) handleSensor(ctx context.Context) {
	m.stats.Cycles++

	r, err := m.source.Read(ctx)
	if err != nil {
		m.log.Warn("sensor read failed", "error", err)
		return
	}
	m.stats.SensorReadings++
	m.readingsCtr.Inc()
	m.lastReading = time.Now()
	m.silenced = false

	m.emit("cycle %d: T=%.2f°C, H=%.2f%%", m.stats.Cycles, r.Temperature, r.Humidity)

	if a := m.detector.Analyze(r); a != nil {
		m.anomaliesCtr.Inc()
		m.log.Warn("sensor anomaly",
			"kind", a.Kind.String(),
			"severity", a.Severity.String(),
			"score", a.Score,
			"detail", a.Detail,
		)
		m.incidents.ReportAnomaly(a)
		m.stateGauge.Set(int64(m.incidents.State()))
	}
}

func (m *Monitor) runFullVerification(ctx context.Context) {
	r, err := m.verifier.VerifyFull(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Error("full verification failed", "error", err)
		m.incidents.ReportIntegrityFailure(err.Error())
		m.stateGauge.Set(int64(m.incidents.State()))
		return
	}
	m.stats.IntegrityChecks++
	m.verifyHist.ObserveDuration(r.Elapsed)

	ms := r.Elapsed.Milliseconds()
	m.emit("full verification complete: %s (%d ms)", r.Status, ms)
	m.emit("chunks: %d total, %d verified, %d corrupted", r.Total, r.Verified, r.Corrupted)

	if budget := m.cfg.Integrity.LatencyBudget(); r.Elapsed > budget {
		m.log.Warn("verification exceeded latency budget",
			"elapsed_ms", ms,
			"budget_ms", budget.Milliseconds(),
		)
	}

	if r.Status == integrity.StatusOK {
		m.checksOKCtr.Inc()
		m.incidents.ReportIntegritySuccess()
	} else {
		m.checksBadCtr.Inc()
		m.incidents.ReportIntegrityFailure(
			fmt.Sprintf("%d of %d chunks corrupted (first: %v)", r.Corrupted, r.Total, r.CorruptedChunks))
	}
	m.stateGauge.Set(int64(m.incidents.State()))
}

func (m *Monitor) handleAttestation(ctx context.Context) {
	m.stats.Attestations++
	_, err := m.attestor.AttestOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.attestBadCtr.Inc()
		m.emit("attestation cycle #%d: failure", m.stats.Attestations)
		m.log.Error("attestation failed", "error", err)
		m.incidents.ReportAttestationFailure(err.Error())
	} else {
		m.attestOKCtr.Inc()
		m.emit("attestation cycle #%d: success", m.stats.Attestations)
		m.incidents.ReportAttestationSuccess()
	}
	m.stateGauge.Set(int64(m.incidents.State()))
}

func (m *Monitor) handleHeartbeat() {
	n, err := m.elem.IncrementCounter(element.CounterHeartbeat)
	if err != nil {
		m.log.Warn("heartbeat counter", "error", err)
		return
	}
	m.log.Debug("heartbeat", "count", n)
}

// supervise runs the periodic housekeeping: sensor silence detection and
// the incremental verification burst.
func (m *Monitor) supervise(ctx context.Context) {
	if timeout := m.cfg.Sensor.SilenceTimeout(); !m.silenced && time.Since(m.lastReading) > timeout {
		m.silenced = true
		a := m.detector.MarkSilent(time.Since(m.lastReading))
		m.anomaliesCtr.Inc()
		m.log.Warn("sensor silent", "detail", a.Detail)
		m.incidents.ReportAnomaly(a)
		m.stateGauge.Set(int64(m.incidents.State()))
	}

	if n := m.cfg.Integrity.IncrementalChunks; n > 0 {
		r, err := m.verifier.VerifyIncremental(ctx, n)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Error("incremental verification failed", "error", err)
			}
			return
		}
		if r.Corrupted > 0 {
			m.incidents.ReportIntegrityFailure(
				fmt.Sprintf("incremental pass found %d corrupted chunk(s): %v", r.Corrupted, r.CorruptedChunks))
			m.stateGauge.Set(int64(m.incidents.State()))
		}
	}

	m.writeMetrics()
}

// writeMetrics refreshes the Prometheus exposition file read by the
// status command.
func (m *Monitor) writeMetrics() {
	path := m.cfg.Monitor.MetricsPath
	if path == "" {
		return
	}
	var buf bytes.Buffer
	if err := m.reg.WritePrometheus(&buf); err != nil {
		m.log.Warn("render metrics", "error", err)
		return
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		m.log.Warn("write metrics file", "path", path, "error", err)
	}
}

func (m *Monitor) summary() {
	elapsed := time.Since(m.start)
	m.emit("=== run summary ===")
	m.emit("elapsed: %.1f seconds", elapsed.Seconds())
	m.emit("cycles: %d", m.stats.Cycles)
	m.emit("sensor readings: %d", m.stats.SensorReadings)
	m.emit("integrity checks: %d", m.stats.IntegrityChecks)
	m.emit("attestations: %d", m.stats.Attestations)
	m.emit("final state: %s", m.incidents.State())
}

func (m *Monitor) shutdown() {
	m.writeMetrics()
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// State returns the current security state.
func (m *Monitor) State() incident.State {
	if m.incidents == nil {
		return incident.StateInitializing
	}
	return m.incidents.State()
}

// Registry exposes the metrics registry.
func (m *Monitor) Registry() *metrics.Registry {
	return m.reg
}
